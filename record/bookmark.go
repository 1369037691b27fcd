package record

import (
	"errors"
	"fmt"
	"time"
)

// BookmarkType is the bookmark node type.
type BookmarkType string

// Bookmark node types.
const (
	BookmarkTypeBookmark     BookmarkType = "bookmark"
	BookmarkTypeMicrosummary BookmarkType = "microsummary"
	BookmarkTypeQuery        BookmarkType = "query"
	BookmarkTypeFolder       BookmarkType = "folder"
	BookmarkTypeLivemark     BookmarkType = "livemark"
	BookmarkTypeSeparator    BookmarkType = "separator"
)

var errMissingURI = errors.New("missing bmkUri")

// Bookmark is a node of the bookmarks tree.
type Bookmark struct {
	ID         string       `json:"id"`
	Type       BookmarkType `json:"type"`
	DateAdded  int64        `json:"dateAdded,omitempty"` // ms
	ParentID   string       `json:"parentid,omitempty"`
	ParentName string       `json:"parentName,omitempty"`

	Title         string   `json:"title,omitempty"`
	URI           string   `json:"bmkUri,omitempty"`
	Description   string   `json:"description,omitempty"`
	LoadInSidebar bool     `json:"loadInSidebar,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Keyword       string   `json:"keyword,omitempty"`
	Children      []string `json:"children,omitempty"`

	GeneratorURI string `json:"generatorUri,omitempty"`
	StaticTitle  string `json:"staticTitle,omitempty"`
	FolderName   string `json:"folderName,omitempty"`
	QueryID      string `json:"queryId,omitempty"`
	Position     int    `json:"pos,omitempty"`
	FeedURI      string `json:"feedUri,omitempty"`
	SiteURI      string `json:"siteUri,omitempty"`
}

// Kind implements Payload.
func (*Bookmark) Kind() Kind { return Bookmarks }

// RecordID implements Payload.
func (b *Bookmark) RecordID() string { return b.ID }

func (*Bookmark) sealed() {}

// Added returns when the bookmark was created, if known.
func (b *Bookmark) Added() *time.Time { return millis(b.DateAdded) }

// Validate checks the fields required by the node type.
func (b *Bookmark) Validate() error {
	switch b.Type {
	case BookmarkTypeBookmark, BookmarkTypeMicrosummary, BookmarkTypeQuery:
		if b.URI == "" {
			return errMissingURI
		}
	case BookmarkTypeFolder, BookmarkTypeLivemark, BookmarkTypeSeparator:
	default:
		return fmt.Errorf("unknown bookmark type %q", b.Type)
	}

	return nil
}
