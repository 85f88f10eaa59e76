// Command kachery is a thin demonstration CLI over the kachery package:
// store a file, load a file by URI, or print what's known about a URI.
// It is not a general-purpose command-line client — flag parsing beyond
// these three operations is out of scope.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/scratchrealm/kachery"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)

		return 1
	}

	return 0
}

func newCommand() *cli.Command {
	var (
		shutdownTrace   func(context.Context) error
		shutdownMetrics func(context.Context) error
	)

	return &cli.Command{
		Name:    "kachery",
		Usage:   "store and retrieve content-addressed files",
		Version: kachery.Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				zerolog.Ctx(ctx).Debug().Msgf(format, args...)
			})); err != nil {
				return ctx, fmt.Errorf("error setting GOMAXPROCS: %w", err)
			}

			logLvl := cmd.String("log-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
			}

			ctx = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(lvl).
				With().
				Timestamp().
				Logger().
				WithContext(ctx)

			exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
			if err != nil {
				return ctx, fmt.Errorf("error creating trace exporter: %w", err)
			}

			tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
			otel.SetTracerProvider(tp)
			shutdownTrace = tp.Shutdown

			_, shutdownMetrics, err = kachery.SetupMetrics(ctx)
			if err != nil {
				return ctx, fmt.Errorf("error setting up metrics: %w", err)
			}

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if shutdownTrace != nil {
				_ = shutdownTrace(ctx)
			}

			if shutdownMetrics != nil {
				_ = shutdownMetrics(ctx)
			}

			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level",
				Sources: cli.EnvVars("KACHERY_LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
		},
		Commands: []*cli.Command{
			storeCommand(),
			loadCommand(),
			infoCommand(),
		},
	}
}

func storeCommand() *cli.Command {
	return &cli.Command{
		Name:      "store",
		Usage:     "store a local file and print its uri",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "basename", Usage: "override the basename recorded in the uri"},
			&cli.BoolFlag{Name: "no-manifest", Usage: "suppress chunk-manifest computation for large files"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("a file path is required", 2)
			}

			uri, err := kachery.StoreFile(ctx, path, cmd.String("basename"), false, cmd.Bool("no-manifest"))
			if err != nil {
				return err
			}

			fmt.Println(uri)

			return nil
		},
	}
}

func loadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "resolve a uri to a local path",
		ArgsUsage: "<uri>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dest", Usage: "materialize the file at this path instead of the cache path"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			uri := cmd.Args().First()
			if uri == "" {
				return cli.Exit("a uri is required", 2)
			}

			path, err := kachery.LoadFile(ctx, uri, cmd.String("dest"))
			if err != nil {
				return err
			}

			if path == "" {
				return cli.Exit(fmt.Sprintf("not found: %s", uri), 1)
			}

			fmt.Println(path)

			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print the size of the artifact a uri resolves to",
		ArgsUsage: "<uri>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			uri := cmd.Args().First()
			if uri == "" {
				return cli.Exit("a uri is required", 2)
			}

			r, size, err := kachery.OpenFile(ctx, uri)
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Printf("%s\t%d bytes\n", uri, size)

			return nil
		},
	}
}
