package generation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/heyfun/internal/blob"
	"github.com/haasonsaas/heyfun/internal/netguard"
)

// Fetcher downloads remote result URLs. netguard.Downloader satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*netguard.Download, error)
}

// Normalizer turns provider items into stored blobs.
type Normalizer struct {
	blobs   blob.Store
	fetcher Fetcher
}

// NewNormalizer creates a normalizer writing to blobs.
func NewNormalizer(blobs blob.Store, fetcher Fetcher) *Normalizer {
	return &Normalizer{blobs: blobs, fetcher: fetcher}
}

// Normalize stores every item under the task's organization. It returns the
// stored items in input order together with the joined errors of the items
// that could not be stored.
func (n *Normalizer) Normalize(ctx context.Context, task *Task, items []ProviderItem) ([]ResultItem, error) {
	out := make([]ResultItem, 0, len(items))
	var errs []error
	for i, item := range items {
		stored, err := n.store(ctx, task, i, item)
		if err != nil {
			errs = append(errs, fmt.Errorf("result %d: %w", i, err))
			continue
		}
		out = append(out, *stored)
	}
	return out, errors.Join(errs...)
}

func (n *Normalizer) store(ctx context.Context, task *Task, i int, item ProviderItem) (*ResultItem, error) {
	data, contentType, ext, err := n.decode(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	name := fmt.Sprintf("%d-%s.%s", i, uuid.NewString(), ext)
	key, err := blob.OrgKey(task.OrganizationID, "generations", task.ID, name)
	if err != nil {
		return nil, err
	}
	if err := n.blobs.Put(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &ResultItem{Key: key, ContentType: contentType, Size: len(data), SourceType: item.SourceType}, nil
}

func (n *Normalizer) decode(ctx context.Context, item ProviderItem) (data []byte, contentType, ext string, err error) {
	contentType = item.MediaType
	switch item.SourceType {
	case SourceURL:
		if n.fetcher == nil {
			return nil, "", "", errors.New("no downloader configured for url results")
		}
		dl, err := n.fetcher.Fetch(ctx, item.Payload)
		if err != nil {
			return nil, "", "", err
		}
		data = dl.Data
		if contentType == "" {
			contentType = dl.ContentType
		}
	case SourceBase64:
		payload := item.Payload
		if rest, ok := strings.CutPrefix(payload, "data:"); ok {
			header, body, found := strings.Cut(rest, ",")
			if !found {
				return nil, "", "", errors.New("malformed data url")
			}
			if contentType == "" {
				contentType = strings.TrimSuffix(header, ";base64")
			}
			payload = body
		}
		data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, "", "", fmt.Errorf("decode base64: %w", err)
		}
	case SourceHex:
		data, err = hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(item.Payload), "0x"))
		if err != nil {
			return nil, "", "", fmt.Errorf("decode hex: %w", err)
		}
	default:
		return nil, "", "", fmt.Errorf("unknown source type %q", item.SourceType)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	ext = strings.TrimPrefix(item.Extension, ".")
	if ext == "" {
		ext = netguard.ExtensionFor(contentType)
	}
	return data, contentType, ext, nil
}
