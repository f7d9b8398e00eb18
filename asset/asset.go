// This package manages decrypted asset files kept on local disk. Files are grouped by conversation and
// named after the asset id with an extension derived from the mime type.
package asset

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/ids"
	"go.uber.org/zap"
)

type Store struct {
	log  *zap.SugaredLogger
	root string
}

func NewStore(c *config.Config) *Store {
	return &Store{log: c.Logger("asset"), root: filepath.Join(c.RootDir, "assets")}
}

func (s *Store) dir(conv ids.ConversationID) string {
	return filepath.Join(s.root, url.PathEscape(conv.String()))
}

// Writes data for an asset. When mimeType is empty or unknown the type is sniffed from data.
func (s *Store) Save(conv ids.ConversationID, assetID, mimeType string, data []byte) (string, error) {
	mt := mimetype.Lookup(mimeType)
	if mt == nil {
		mt = mimetype.Detect(data)
	}
	dir := s.dir(conv)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("asset: error creating %s: %w", dir, err)
	}
	p := filepath.Join(dir, url.PathEscape(assetID)+mt.Extension())
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("asset: error writing %s: %w", p, err)
	}
	s.log.Debugf("saved %s as %s", assetID, mt.String())
	return p, nil
}

// Path of the local copy of an asset, os.ErrNotExist when there is none.
func (s *Store) Path(conv ids.ConversationID, assetID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir(conv), url.PathEscape(assetID)+"*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if filepath.Base(m) == url.PathEscape(assetID)+filepath.Ext(m) {
			return m, nil
		}
	}
	return "", os.ErrNotExist
}

// Removes the local copy of an asset. A missing file is not an error.
func (s *Store) DeleteLocally(conv ids.ConversationID, assetID string) error {
	p, err := s.Path(conv, assetID)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("asset: error removing %s: %w", p, err)
	}
	return nil
}
