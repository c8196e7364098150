package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

func localStorageFullpath(baseDir, bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name '%s'", bucket)
	}
	for _, part := range strings.Split(filepath.ToSlash(key), "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid object key '%s'", key)
		}
	}
	return filepath.Join(baseDir, bucket, filepath.FromSlash(key)), nil
}
