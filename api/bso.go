package api

// BSO is a Basic Storage Object as stored on the server.
type BSO struct {
	ID        string    `json:"id"`
	Modified  Timestamp `json:"modified"`
	SortIndex int       `json:"sortindex,omitempty"`
	TTL       int       `json:"ttl,omitempty"`
	Payload   string    `json:"payload"`
}

// bsoWrite is the request body of PUT /storage/<collection>/<id>. The
// server assigns modified.
type bsoWrite struct {
	ID        string `json:"id"`
	SortIndex int    `json:"sortindex,omitempty"`
	TTL       int    `json:"ttl,omitempty"`
	Payload   string `json:"payload"`
}

// Page is one response of a paged collection fetch.
type Page struct {
	BSOs []BSO

	// NextOffset continues the fetch; empty on the last page.
	NextOffset string

	// LastModified is the collection timestamp the page was served from.
	LastModified Timestamp

	// Timestamp is the server clock when the page was served.
	Timestamp Timestamp
}

// FetchRequest selects a page of a collection.
type FetchRequest struct {
	// Since only returns BSOs modified after it; zero returns everything.
	Since Timestamp

	Limit  int
	Offset string

	// UnmodifiedSince guards follow-up pages against concurrent writes. Set
	// it to the LastModified of the first page.
	UnmodifiedSince Timestamp
}

// Quota is the account storage usage in KB. Limit is zero when the server
// enforces none.
type Quota struct {
	UsageKB float64 `json:"usage_kb"`
	LimitKB float64 `json:"limit_kb,omitempty"`
}
