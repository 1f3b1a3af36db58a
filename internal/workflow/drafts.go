package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// jst is the timezone used in draft file names; operators sort drafts by
// local date.
var jst = time.FixedZone("JST", 9*60*60)

// DraftRepo stores mail drafts on disk and moves them through their
// lifecycle directories.
type DraftRepo struct {
	dir string
	now func() time.Time
}

// NewDraftRepo roots the repository at dir (created on demand).
func NewDraftRepo(dir string) *DraftRepo {
	return &DraftRepo{dir: dir, now: time.Now}
}

// Save writes a draft and returns its path. File names are stable per
// (request, run) and collisions append a version suffix.
func (r *DraftRepo) Save(requestID, runID, productName, content string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("drafts: dir: %w", err)
	}
	base := fmt.Sprintf("%s_%s_%s_%s",
		r.now().In(jst).Format("060102"),
		sanitizeName(productName),
		shortHash(requestID),
		shortHash(runID))

	path := filepath.Join(r.dir, base+".md")
	for v := 2; fileExists(path); v++ {
		path = filepath.Join(r.dir, fmt.Sprintf("%s_v%d.md", base, v))
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("drafts: write: %w", err)
	}
	return path, nil
}

// MoveToCompleted relocates a draft under completed/.
func (r *DraftRepo) MoveToCompleted(path string) (string, error) {
	return r.move(path, "completed")
}

// MoveToError relocates a draft under error/.
func (r *DraftRepo) MoveToError(path string) (string, error) {
	return r.move(path, "error")
}

func (r *DraftRepo) move(path, sub string) (string, error) {
	dir := filepath.Join(r.dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("drafts: %s dir: %w", sub, err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("drafts: move to %s: %w", sub, err)
	}
	return dst, nil
}

// sanitizeName makes a product name safe as a filename fragment on every
// platform the drafts directory might be shared with.
func sanitizeName(name string) string {
	s := name
	for _, c := range `\/:*?"<>|` {
		s = strings.ReplaceAll(s, string(c), "_")
	}
	s = strings.TrimRight(s, " .")
	if s == "" {
		return "unknown_product"
	}
	runes := []rune(s)
	if len(runes) > 40 {
		s = string(runes[:40])
	}
	return s
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
