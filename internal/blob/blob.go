// Package blob stores case artifacts: the uploaded workbook at
// incoming/{caseId}.xlsx and the audit bundle at audit/{caseId}.json.
// The backend is chosen by the connection string: s3:// for object storage,
// file:// for a local directory in development and tests.
package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store reads and writes case artifacts by key.
type Store interface {
	// Put writes data under key and returns a stable URL for the object.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// WorkbookKey is where a case's uploaded workbook lives.
func WorkbookKey(caseID string) string {
	return "incoming/" + caseID + ".xlsx"
}

// AuditBundleKey is where a case's exported audit bundle lives.
func AuditBundleKey(caseID string) string {
	return "audit/" + caseID + ".json"
}

// Open builds a Store from a connection string:
//
//	s3://bucket?region=eu-central-1&endpoint=https://...  object storage
//	file:///var/lib/rasid/blobs                           local directory
func Open(ctx context.Context, connectionString string) (Store, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("blob: parse connection string: %w", err)
	}
	switch u.Scheme {
	case "s3":
		return newS3Store(ctx, u)
	case "file":
		return newFileStore(strings.TrimPrefix(connectionString, "file://"))
	default:
		return nil, fmt.Errorf("blob: unsupported scheme %q", u.Scheme)
	}
}
