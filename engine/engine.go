// Package engine runs collection syncs: it fetches BSOs through the storage
// client, decrypts and validates them and tracks the high-water-mark of
// every collection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/crypt"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/record"
	"github.com/jkoelker/ffsclient/tracing"
)

const defaultConcurrency = 4

var (
	// ErrNoKeys is returned when the server has no crypto/keys record and
	// generating one is disabled.
	ErrNoKeys = errors.New("no crypto/keys record on server")

	// ErrInvalidOptions is returned by New for incomplete options.
	ErrInvalidOptions = errors.New("invalid engine options")

	// ErrCollectionMismatch is returned by PutRecord when the record kind
	// does not belong to the collection.
	ErrCollectionMismatch = errors.New("record does not belong to collection")
)

// Transport is the storage surface the engine needs. *api.Client
// implements it.
type Transport interface {
	ListCollections(ctx context.Context) (map[string]api.Timestamp, error)
	FetchBSOs(ctx context.Context, collection string, fetch api.FetchRequest) (*api.Page, error)
	GetBSO(ctx context.Context, collection, id string) (*api.BSO, error)
	PutBSO(ctx context.Context, collection string, bso api.BSO, ifUnmodifiedSince api.Timestamp) (api.Timestamp, error)
	DeleteBSO(ctx context.Context, collection, id string) (api.Timestamp, error)
}

// Tokens hands out the storage token. *auth.TokenSource implements it.
type Tokens interface {
	Token(ctx context.Context) (*auth.SyncToken, error)
}

// Options configures an Engine.
type Options struct {
	Transport Transport
	Tokens    Tokens
	Marks     MarkStore

	// Root is the bundle derived from the account sync key. It decrypts
	// crypto/keys.
	Root crypt.KeyBundle

	// PageSize is the fetch limit; zero lets the transport decide.
	PageSize int

	// Concurrency bounds the collections SyncAll runs at once.
	Concurrency int

	// GenerateKeys uploads a fresh crypto/keys record when the server has
	// none.
	GenerateKeys bool

	Observer Observer
}

// Engine syncs collections of one account. It is safe for concurrent use;
// runs over the same collection are serialized.
type Engine struct {
	transport    Transport
	tokens       Tokens
	marks        MarkStore
	root         crypt.KeyBundle
	pageSize     int
	concurrency  int
	generateKeys bool
	observer     Observer

	keysMu sync.Mutex
	ring   *crypt.KeyRing

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil || opts.Tokens == nil {
		return nil, fmt.Errorf("%w: transport and tokens are required", ErrInvalidOptions)
	}

	if err := opts.Root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid root key bundle: %w", err)
	}

	marks := opts.Marks
	if marks == nil {
		marks = NewMemoryMarks()
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	return &Engine{
		transport:    opts.Transport,
		tokens:       opts.Tokens,
		marks:        marks,
		root:         opts.Root,
		pageSize:     opts.PageSize,
		concurrency:  concurrency,
		generateKeys: opts.GenerateKeys,
		observer:     opts.Observer,
		locks:        map[string]*sync.Mutex{},
	}, nil
}

// lock serializes runs over one collection.
func (e *Engine) lock(collection string) func() {
	e.locksMu.Lock()

	mu, ok := e.locks[collection]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[collection] = mu
	}

	e.locksMu.Unlock()

	mu.Lock()

	return mu.Unlock
}

// Keys returns the key ring, fetching crypto/keys on first use.
func (e *Engine) Keys(ctx context.Context) (*crypt.KeyRing, error) {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()

	if e.ring != nil {
		return e.ring, nil
	}

	ring, err := e.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	e.ring = ring

	return ring, nil
}

// ResetKeys drops the cached key ring.
func (e *Engine) ResetKeys() {
	e.keysMu.Lock()
	defer e.keysMu.Unlock()

	e.ring = nil
}

func (e *Engine) fetchKeys(ctx context.Context) (*crypt.KeyRing, error) {
	bso, err := e.transport.GetBSO(ctx, crypt.KeysCollection, crypt.KeysID)
	if errors.Is(err, api.ErrNotFound) {
		if !e.generateKeys {
			return nil, ErrNoKeys
		}

		return e.uploadKeys(ctx)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch crypto/keys: %w", err)
	}

	payload, err := crypt.ParsePayload(bso.Payload)
	if err != nil {
		return nil, fmt.Errorf("crypto/keys: %w", err)
	}

	plaintext, err := crypt.Decrypt(payload, e.root)
	if err != nil {
		return nil, fmt.Errorf("crypto/keys: %w", err)
	}

	ring, err := crypt.DecodeKeyRing(plaintext)
	if err != nil {
		return nil, err
	}

	log.Debug(ctx, "Loaded key ring", "collection_keys", len(ring.Collections))

	return ring, nil
}

func (e *Engine) uploadKeys(ctx context.Context) (*crypt.KeyRing, error) {
	ring, err := crypt.NewKeyRing()
	if err != nil {
		return nil, err
	}

	plaintext, err := ring.Encode()
	if err != nil {
		return nil, err
	}

	payload, err := crypt.Encrypt(plaintext, e.root)
	if err != nil {
		return nil, err
	}

	bso := api.BSO{ID: crypt.KeysID, Payload: payload.String()}
	if _, err := e.transport.PutBSO(ctx, crypt.KeysCollection, bso, 0); err != nil {
		return nil, fmt.Errorf("failed to upload crypto/keys: %w", err)
	}

	log.Info(ctx, "Uploaded new key ring")

	return ring, nil
}

// CollectionInfo describes a server collection.
type CollectionInfo struct {
	Name      string        `json:"name"`
	Modified  api.Timestamp `json:"modified"`
	Mark      api.Timestamp `json:"mark"`
	Supported bool          `json:"supported"`
}

// ListCollections returns the server collections sorted by name, with the
// locally committed mark of each.
func (e *Engine) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	collections, err := e.transport.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]CollectionInfo, 0, len(collections))

	for name, modified := range collections {
		mark, err := e.marks.Mark(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read mark of %s: %w", name, err)
		}

		_, kindErr := record.ParseKind(name)

		infos = append(infos, CollectionInfo{
			Name:      name,
			Modified:  modified,
			Mark:      api.Timestamp(mark),
			Supported: kindErr == nil,
		})
	}

	slices.SortFunc(infos, func(a, b CollectionInfo) int {
		return strings.Compare(a.Name, b.Name)
	})

	return infos, nil
}

// decode turns a BSO into a record of collection.
func (e *Engine) decode(ring *crypt.KeyRing, collection string, bso api.BSO) (record.Record, error) {
	if bso.Payload == "" {
		kind, err := record.ParseKind(collection)
		if err != nil {
			return record.Record{}, err
		}

		rec := record.Tombstone(kind, bso.ID)
		rec.Modified = bso.Modified.Time()

		return rec, nil
	}

	payload, err := crypt.ParsePayload(bso.Payload)
	if err != nil {
		return record.Record{}, err
	}

	plaintext, err := crypt.Decrypt(payload, ring.BundleFor(collection))
	if err != nil {
		return record.Record{}, err
	}

	rec, err := record.Decode(collection, plaintext)
	if err != nil {
		return record.Record{}, err
	}

	if rec.ID != bso.ID {
		return record.Record{}, fmt.Errorf("%w: payload id %q does not match bso %q", record.ErrSchema, rec.ID, bso.ID)
	}

	rec.Modified = bso.Modified.Time()

	return rec, nil
}

// GetRecord fetches and decrypts one record.
func (e *Engine) GetRecord(ctx context.Context, collection, id string) (record.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.get_record")
	defer span.End()

	tracing.SetAttributes(ctx, tracing.AttrCollection, collection)

	if _, err := record.ParseKind(collection); err != nil {
		tracing.SetError(ctx, err)

		return record.Record{}, err
	}

	ring, err := e.Keys(ctx)
	if err != nil {
		tracing.SetError(ctx, err)

		return record.Record{}, err
	}

	bso, err := e.transport.GetBSO(ctx, collection, id)
	if err != nil {
		tracing.SetError(ctx, err)

		return record.Record{}, err
	}

	rec, err := e.decode(ring, collection, *bso)
	if err != nil {
		tracing.SetError(ctx, err)

		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, err)
	}

	tracing.SetOK(ctx)

	return rec, nil
}

// PutRecord encrypts and uploads a record, tombstones included. A
// concurrent write surfaces as api.ErrConflict when ifUnmodifiedSince is
// set.
func (e *Engine) PutRecord(
	ctx context.Context,
	collection string,
	rec record.Record,
	ifUnmodifiedSince api.Timestamp,
) (api.Timestamp, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.put_record")
	defer span.End()

	tracing.SetAttributes(ctx, tracing.AttrCollection, collection)

	modified, err := e.putRecord(ctx, collection, rec, ifUnmodifiedSince)
	if err != nil {
		tracing.SetError(ctx, err)

		return 0, err
	}

	tracing.SetOK(ctx)

	log.Info(ctx, "Uploaded record", "collection", collection, "id", rec.ID, "modified", modified.String())

	return modified, nil
}

func (e *Engine) putRecord(
	ctx context.Context,
	collection string,
	rec record.Record,
	ifUnmodifiedSince api.Timestamp,
) (api.Timestamp, error) {
	kind, err := record.ParseKind(collection)
	if err != nil {
		return 0, err
	}

	if rec.Kind != kind {
		return 0, fmt.Errorf("%w: %s record in %s", ErrCollectionMismatch, rec.Kind, collection)
	}

	plaintext, err := record.Encode(rec)
	if err != nil {
		return 0, err
	}

	ring, err := e.Keys(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := crypt.Encrypt(plaintext, ring.BundleFor(collection))
	if err != nil {
		return 0, err
	}

	return e.transport.PutBSO(ctx, collection, api.BSO{ID: rec.ID, Payload: payload.String()}, ifUnmodifiedSince)
}

// DeleteRecord removes a record from the server. Other clients only learn
// about it through a tombstone; see PutRecord with record.Tombstone.
func (e *Engine) DeleteRecord(ctx context.Context, collection, id string) error {
	if _, err := record.ParseKind(collection); err != nil {
		return err
	}

	return tracing.WithSpan(ctx, "engine.delete_record", func(ctx context.Context) error {
		if _, err := e.transport.DeleteBSO(ctx, collection, id); err != nil {
			return err
		}

		log.Info(ctx, "Deleted record", "collection", collection, "id", id)

		return nil
	})
}
