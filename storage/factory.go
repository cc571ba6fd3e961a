package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// StoreFromURI creates a key blob store from a URI-style configuration
// string. Supported schemes:
//
//	memory://
//	file:///var/lib/recovery/keys
//	s3://ACCESS:SECRET@bucket/prefix?region=us-east-1&endpoint=http://minio:9000
//	vault://TOKEN@vault.example.com:8200/secret/recovery?tls=true
//	ipfs://127.0.0.1:5001
//
// Several URIs joined with commas produce a MultiBackend over all of them.
func StoreFromURI(uri string, log *slog.Logger) (interfaces.KeyBlobStore, error) {
	parts := strings.Split(uri, ",")
	if len(parts) > 1 {
		backends := make([]interfaces.KeyBlobStore, 0, len(parts))
		for _, part := range parts {
			backend, err := StoreFromURI(strings.TrimSpace(part), log)
			if err != nil {
				return nil, err
			}
			backends = append(backends, backend)
		}
		return NewMultiBackend(log, backends...)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid storage URI %q: %w", uri, err)
	}

	switch parsed.Scheme {
	case "memory":
		return NewMemoryBackend(), nil

	case "file":
		if parsed.Path == "" {
			return nil, fmt.Errorf("file URI %q has no path", uri)
		}
		return NewFileBackend(parsed.Path, log)

	case "s3":
		bucket := parsed.Host
		if bucket == "" {
			return nil, fmt.Errorf("s3 URI %q has no bucket", uri)
		}
		prefix := strings.TrimPrefix(parsed.Path, "/")
		query := parsed.Query()
		region := query.Get("region")
		if region == "" {
			region = "us-east-1"
		}
		var accessKey, secretKey string
		if parsed.User != nil {
			accessKey = parsed.User.Username()
			secretKey, _ = parsed.User.Password()
		}
		return NewS3Backend(bucket, prefix, region, query.Get("endpoint"), accessKey, secretKey, log)

	case "vault":
		if parsed.Host == "" {
			return nil, fmt.Errorf("vault URI %q has no host", uri)
		}
		scheme := "http"
		if parsed.Query().Get("tls") == "true" {
			scheme = "https"
		}
		address := fmt.Sprintf("%s://%s", scheme, parsed.Host)

		var token string
		if parsed.User != nil {
			token = parsed.User.Username()
		}

		pathParts := strings.SplitN(strings.TrimPrefix(parsed.Path, "/"), "/", 2)
		mount := pathParts[0]
		if mount == "" {
			mount = "secret"
		}
		prefix := "recovery"
		if len(pathParts) == 2 && pathParts[1] != "" {
			prefix = pathParts[1]
		}
		return NewVaultBackend(address, token, mount, prefix, log)

	case "ipfs":
		if parsed.Host == "" {
			return nil, fmt.Errorf("ipfs URI %q has no host", uri)
		}
		return NewIPFSBackend(parsed.Host, log), nil
	}

	return nil, fmt.Errorf("unsupported storage scheme %q", parsed.Scheme)
}
