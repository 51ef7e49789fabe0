package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/etrt/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		waitTimeout  time.Duration
		abortTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the runtime over a REST API",
		Flags: append(runtimeFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.DurationFlag{
				Name:        "wait-timeout",
				Usage:       "default timeout of wait requests that name none",
				Value:       5 * time.Second,
				Destination: &waitTimeout,
			},
			&cli.DurationFlag{
				Name:        "abort-timeout",
				Usage:       "how long an event abort waits for the device",
				Value:       time.Second,
				Destination: &abortTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctx, s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			applyServeConfig(cmd, s.cfg, &addr)

			server := api.NewServer(s.rt, api.Config{
				WaitTimeout:  waitTimeout,
				AbortTimeout: abortTimeout,
			}, s.log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			s.log.Info("starting server", "address", addr, "devices", len(s.rt.Devices()), "instance", s.rt.InstanceID())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
