package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tanq16/mirrorpull/internal/adapter/httpmirror"
	"github.com/tanq16/mirrorpull/internal/adapter/objectstore"
	"github.com/tanq16/mirrorpull/internal/adapter/registry"
	"github.com/tanq16/mirrorpull/internal/engine"
	"github.com/tanq16/mirrorpull/internal/mirror"
)

// protocolsIn collects the distinct protocols actually present across a
// mirror map, so the CLI only stands up the adapters a run will use.
func protocolsIn(mirrors mirror.Map) map[mirror.Protocol]bool {
	seen := make(map[mirror.Protocol]bool)
	for _, list := range mirrors {
		for _, m := range list {
			seen[m.Protocol] = true
		}
	}
	return seen
}

// registerAdapters builds and registers the engine.Downloader options for
// every protocol actually present in mirrors. The HTTPS adapter is always
// registered, since both get and batch can fall back to it; object-store
// and registry adapters are only constructed when a loaded mirror map
// actually declares that protocol, so a run that never touches S3 or a
// registry never needs AWS credentials or an OAuth2 token endpoint.
func registerAdapters(ctx context.Context, httpClient *http.Client, mirrors mirror.Map) ([]engine.Option, error) {
	opts := []engine.Option{
		engine.WithAdapter(mirror.ProtocolHTTPS, httpmirror.New(httpClient, userAgent)),
	}

	protocols := protocolsIn(mirrors)
	if protocols[mirror.ProtocolObjectStore] {
		ad, err := objectstore.New(ctx, awsProfile, httpClient)
		if err != nil {
			return nil, fmt.Errorf("building object-store adapter: %w", err)
		}
		opts = append(opts, engine.WithAdapter(mirror.ProtocolObjectStore, ad))
	}
	if protocols[mirror.ProtocolRegistry] {
		if registryClientID == "" || registryClientSecret == "" || registryTokenURL == "" {
			return nil, fmt.Errorf("mirror map uses protocol %q but --registry-client-id/--registry-client-secret/--registry-token-url were not all set", mirror.ProtocolRegistry)
		}
		ad := registry.New(ctx, registry.Credentials{
			ClientID:     registryClientID,
			ClientSecret: registryClientSecret,
			TokenURL:     registryTokenURL,
			Scopes:       registryScopes,
		})
		opts = append(opts, engine.WithAdapter(mirror.ProtocolRegistry, ad))
	}
	return opts, nil
}
