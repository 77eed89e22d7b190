package router

import (
	"sort"
	"strings"

	"github.com/corey-beep/email-agent/internal/config"
)

// FolderTable maps categories to destination folders
type FolderTable struct {
	folders  map[string]string
	fallback string
}

// NewFolderTable creates a FolderTable from the organize configuration.
// Category lookups ignore case.
func NewFolderTable(cfg *config.OrganizeConfig) *FolderTable {
	t := &FolderTable{
		folders:  make(map[string]string, len(cfg.Folders)),
		fallback: cfg.FallbackFolder,
	}
	if t.fallback == "" {
		t.fallback = config.DefaultFallbackFolder
	}
	for cat, folder := range cfg.Folders {
		t.folders[strings.ToLower(strings.TrimSpace(cat))] = folder
	}
	return t
}

// Folder returns the destination folder for category
func (t *FolderTable) Folder(category string) string {
	if f, ok := t.folders[strings.ToLower(strings.TrimSpace(category))]; ok {
		return f
	}
	return t.fallback
}

// Destinations returns every folder a message can be moved to, sorted
func (t *FolderTable) Destinations() []string {
	seen := map[string]bool{t.fallback: true}
	out := []string{t.fallback}
	for _, f := range t.folders {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
