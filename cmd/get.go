package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tanq16/mirrorpull/internal/engine"
	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/output"
	"github.com/tanq16/mirrorpull/internal/target"
	"github.com/tanq16/mirrorpull/internal/transfer"
)

func newGetCmd() *cobra.Command {
	var (
		namespace string
		baseURLs  []string
		protocol  string
		out       string
		resume    bool
		expected  int64
		sha256sum string
	)

	cmd := &cobra.Command{
		Use:   "get [path]",
		Short: "Download one resource path from a named mirror namespace",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := args[0]
			if out == "" {
				out = filepath.Base(path)
			}
			proto := mirror.Protocol(protocol)
			switch proto {
			case mirror.ProtocolHTTPS, mirror.ProtocolObjectStore, mirror.ProtocolRegistry:
			default:
				fmt.Fprintf(os.Stderr, "unknown --protocol %q\n", protocol)
				os.Exit(1)
			}

			mirrors := make([]*mirror.Mirror, 0, len(baseURLs))
			for _, u := range baseURLs {
				mirrors = append(mirrors, mirror.New(namespace, u, proto, 0))
			}
			if len(mirrors) == 0 {
				fmt.Fprintln(os.Stderr, "at least one --mirror is required")
				os.Exit(1)
			}
			mirrorMap := mirror.Map{namespace: mirrors}

			httpClient, err := transfer.NewHTTPClient(transfer.Config{
				Timeout: timeout, KeepAlive: keepAlive, ProxyURL: proxyURL,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			adapterOpts, err := registerAdapters(context.Background(), httpClient, mirrorMap)
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
			dl.SetMirrorMap(mirrorMap)

			var checksums []target.Checksum
			if sha256sum != "" {
				checksums = append(checksums, target.Checksum{Algorithm: "sha256", HexDigest: sha256sum})
			}

			log := output.GetLogger("cmd/get")
			if err := dl.Add(target.Spec{
				Path:            path,
				MirrorNamespace: namespace,
				Destination:     out,
				ExpectedSize:    expected,
				Checksums:       checksums,
				Resume:          resume,
				OnEnd: func(t *target.Target, err error) {
					if err != nil {
						log.Error().Err(err).Str("path", t.Spec.Path).Msg("download failed")
					} else {
						log.Info().Str("path", t.Spec.Path).Msg("download finished")
					}
				},
			}); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			if !dl.Download(context.Background()) {
				fmt.Fprintln(os.Stderr, "download did not finish successfully")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "mirror namespace")
	cmd.Flags().StringArrayVarP(&baseURLs, "mirror", "m", nil, "mirror base URL; repeat for multiple mirrors")
	cmd.Flags().StringVar(&protocol, "protocol", string(mirror.ProtocolHTTPS), "protocol all --mirror values speak: https, object-store, or registry")
	cmd.Flags().StringVarP(&out, "output", "o", "", "destination path (defaults to the path's basename)")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume from an existing partial file when present")
	cmd.Flags().Int64Var(&expected, "expected-size", 0, "expected size in bytes (0 disables the check)")
	cmd.Flags().StringVar(&sha256sum, "sha256", "", "expected sha256 hex digest")

	return cmd
}
