package objectstore

import (
	"context"
	"fmt"

	"github.com/katasec/dstream-ingester-lake/internal/config"
)

// Open builds the configured lake store.
func Open(ctx context.Context, cfg config.LakeConfig) (Store, error) {
	switch cfg.Backend {
	case "minio":
		s, err := NewMinIO(ctx, MinIOOptions{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "azure_blob":
		s, err := NewAzureBlob(cfg.Azure.ConnectionString, cfg.Azure.Container)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "local":
		s, err := NewLocal(cfg.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported lake backend: %s", cfg.Backend)
	}
}
