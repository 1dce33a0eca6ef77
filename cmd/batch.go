package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/mirrorpull/internal/config"
	"github.com/tanq16/mirrorpull/internal/engine"
	"github.com/tanq16/mirrorpull/internal/output"
	"github.com/tanq16/mirrorpull/internal/target"
	"github.com/tanq16/mirrorpull/internal/transfer"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [mirror-map.yaml] [manifest.yaml]",
		Short: "Drive a whole manifest of targets against a mirror map through one engine",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			mirrorMapPath, manifestPath := args[0], args[1]

			mirrors, err := config.LoadMirrorMap(mirrorMapPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			specs, err := config.LoadManifest(manifestPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			httpClient, err := transfer.NewHTTPClient(transfer.Config{
				Timeout: timeout, KeepAlive: keepAlive, ProxyURL: proxyURL,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			adapterOpts, err := registerAdapters(context.Background(), httpClient, mirrors)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			dl, err := engine.New(append([]engine.Option{
				engine.WithConcurrencyCap(concurrency),
				engine.WithHTTPClient(httpClient),
			}, adapterOpts...)...)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			dl.SetMirrorMap(mirrors)

			log := output.GetLogger("cmd/batch")
			mgr := output.NewManager(false)
			mgr.StartDisplay()

			for _, spec := range specs {
				spec := spec
				mgr.Register(spec.Destination, spec.ExpectedSize)
				spec.OnProgress = func(totalExpected, transferred int64) {
					mgr.Progress(spec.Destination, transferred, totalExpected)
				}
				spec.OnEnd = func(t *target.Target, err error) {
					mgr.Finish(spec.Destination, err)
					if err != nil {
						log.Error().Err(err).Str("path", t.Spec.Path).Msg("target failed")
					}
				}
				if err := dl.Add(spec); err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
			}

			ok := dl.Download(context.Background())
			mgr.StopDisplay()
			if !ok {
				fmt.Fprintln(os.Stderr, "one or more targets did not finish")
				os.Exit(1)
			}
		},
	}
	return cmd
}
