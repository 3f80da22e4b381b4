package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/BrandonDHaskell/vguard/internal/db"
	"github.com/BrandonDHaskell/vguard/internal/vguard/service"
)

// withApp loads config, wires the stores and runs fn against them.
func withApp(ctx context.Context, c *cli.Command, fn func(*app) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Println("migrations up to date")
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "List embedded migrations and whether they are applied",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, SkipMigrate: true})
					if err != nil {
						return err
					}
					defer conn.Close()

					st, err := db.Status(ctx, conn)
					if err != nil {
						return err
					}
					for _, m := range st {
						state := "pending"
						if m.Applied {
							state = "applied " + m.AppliedAt.UTC().Format("2006-01-02 15:04:05")
						}
						fmt.Printf("%04d  %-32s %s\n", m.Version, m.Name, state)
					}
					return nil
				},
			},
		},
	}
}

func visitorCommand() *cli.Command {
	return &cli.Command{
		Name:  "visitor",
		Usage: "Manage registered visitors",
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Register a visitor from a face photo",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "contact"},
					&cli.StringFlag{Name: "photo", Required: true, Usage: "path to a JPEG or PNG face photo"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					raw, err := os.ReadFile(c.String("photo"))
					if err != nil {
						return err
					}
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.RegisterVisitor(ctx, service.RegisterVisitorInput{
							Name:    c.String("name"),
							Contact: c.String("contact"),
							Image:   base64.StdEncoding.EncodeToString(raw),
						})
						if err != nil {
							return err
						}
						v.Embedding = nil
						return printJSON(v)
					})
				},
			},
			{
				Name:  "get",
				Usage: "Show a visitor",
				Flags: []cli.Flag{&cli.StringFlag{Name: "id", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.Visitor(ctx, c.String("id"))
						if err != nil {
							return err
						}
						v.Embedding = nil
						return printJSON(v)
					})
				},
			},
			{
				Name:  "blacklist",
				Usage: "Blacklist a visitor, or clear it with --off",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "reason"},
					&cli.BoolFlag{Name: "off", Usage: "remove the visitor from the blacklist"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.SetBlacklist(ctx, c.String("id"), !c.Bool("off"), c.String("reason"))
						if err != nil {
							return err
						}
						v.Embedding = nil
						return printJSON(v)
					})
				},
			},
		},
	}
}

func visitCommand() *cli.Command {
	visitFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{Name: "visitor", Required: true},
			&cli.StringFlag{Name: "visit", Required: true},
		}
	}

	return &cli.Command{
		Name:  "visit",
		Usage: "Schedule and manage visits",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Schedule a visit and issue its QR credential",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "visitor", Required: true},
					&cli.StringFlag{Name: "date", Required: true, Usage: "YYYY-MM-DD"},
					&cli.StringFlag{Name: "purpose"},
					&cli.StringFlag{Name: "host"},
					&cli.StringFlag{Name: "duration", Value: "1 hour"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.CreateVisit(ctx, service.CreateVisitInput{
							VisitorID: c.String("visitor"),
							VisitDate: c.String("date"),
							Purpose:   c.String("purpose"),
							HostName:  c.String("host"),
							Duration:  c.String("duration"),
						})
						if err != nil {
							return err
						}
						return printJSON(v)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List a visitor's visits in creation order",
				Flags: []cli.Flag{&cli.StringFlag{Name: "visitor", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						vs, err := a.registry.Visits(ctx, c.String("visitor"))
						if err != nil {
							return err
						}
						return printJSON(vs)
					})
				},
			},
			{
				Name:  "approve",
				Usage: "Approve a pending visit",
				Flags: visitFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.Approve(ctx, c.String("visitor"), c.String("visit"))
						if err != nil {
							return err
						}
						return printJSON(v)
					})
				},
			},
			{
				Name:  "reject",
				Usage: "Reject a visit and revoke its QR credential",
				Flags: append(visitFlags(), &cli.StringFlag{Name: "reason"}),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.Reject(ctx, c.String("visitor"), c.String("visit"), c.String("reason"))
						if err != nil {
							return err
						}
						return printJSON(v)
					})
				},
			},
			{
				Name:  "reschedule",
				Usage: "Move a visit to another date",
				Flags: append(visitFlags(),
					&cli.StringFlag{Name: "date", Required: true, Usage: "YYYY-MM-DD"},
					&cli.StringFlag{Name: "reason"},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.Reschedule(ctx, c.String("visitor"), c.String("visit"), c.String("date"), c.String("reason"))
						if err != nil {
							return err
						}
						return printJSON(v)
					})
				},
			},
			{
				Name:  "log",
				Usage: "Show a visit's scan log and transactions",
				Flags: visitFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						scans, err := a.recorder.ScanLog(ctx, c.String("visitor"), c.String("visit"))
						if err != nil {
							return err
						}
						txs, err := a.recorder.Transactions(ctx, c.String("visitor"), c.String("visit"))
						if err != nil {
							return err
						}
						return printJSON(map[string]any{"scans": scans, "transactions": txs})
					})
				},
			},
		},
	}
}

func qrCommand() *cli.Command {
	visitFlags := func(extra ...cli.Flag) []cli.Flag {
		return append([]cli.Flag{
			&cli.StringFlag{Name: "visitor", Required: true},
			&cli.StringFlag{Name: "visit", Required: true},
		}, extra...)
	}

	return &cli.Command{
		Name:  "qr",
		Usage: "Export or replace a visit's QR credential",
		Commands: []*cli.Command{
			{
				Name:  "png",
				Usage: "Write the credential as a PNG image",
				Flags: visitFlags(
					&cli.StringFlag{Name: "out", Value: "qr.png", Usage: "output PNG path"},
					&cli.IntFlag{Name: "size", Value: 256},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						png, err := a.registry.QRImage(ctx, c.String("visitor"), c.String("visit"), int(c.Int("size")))
						if err != nil {
							return err
						}
						if err := os.WriteFile(c.String("out"), png, 0o600); err != nil {
							return err
						}
						fmt.Println("wrote", c.String("out"))
						return nil
					})
				},
			},
			{
				Name:  "reissue",
				Usage: "Issue a fresh credential for a visit whose QR was revoked before use",
				Flags: visitFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return withApp(ctx, c, func(a *app) error {
						v, err := a.registry.ReissueQR(ctx, c.String("visitor"), c.String("visit"))
						if err != nil {
							return err
						}
						return printJSON(v)
					})
				},
			},
		},
	}
}

func alertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "alerts",
		Usage: "List recent security alerts, newest first",
		Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 50}},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(a *app) error {
				alerts, err := a.recorder.Alerts(ctx, int(c.Int("limit")))
				if err != nil {
					return err
				}
				return printJSON(alerts)
			})
		},
	}
}
