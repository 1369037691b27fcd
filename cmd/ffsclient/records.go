package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/engine"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/record"
)

// maxRecordInput bounds the record read by put.
const maxRecordInput = 1 << 20

var (
	errCollectionRequired = errors.New("collection is required")
	errIDRequired         = errors.New("record id is required, or --all to wipe the collection")
	errNoRecordInput      = errors.New("record JSON is required via --data, --from or stdin")
	errAllWithID          = errors.New("--all deletes the whole collection and takes no record id")
)

type collectionRow struct {
	engine.CollectionInfo

	Count int `json:"count"`
}

type writeResult struct {
	Collection string        `json:"collection"`
	ID         string        `json:"id,omitempty"`
	Deleted    bool          `json:"deleted,omitempty"`
	Modified   api.Timestamp `json:"modified"`
}

func collectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "collections",
		Usage: "List the server collections with their record counts and local marks",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			eng, err := a.engine(false, nil)
			if err != nil {
				return err
			}

			infos, err := eng.ListCollections(ctx)
			if err != nil {
				return fmt.Errorf("list collections: %w", err)
			}

			counts, err := a.storage.CollectionCounts(ctx)
			if err != nil {
				return fmt.Errorf("collection counts: %w", err)
			}

			rows := make([]collectionRow, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, collectionRow{CollectionInfo: info, Count: counts[info.Name]})
			}

			return printResult(cmd, rows)
		}),
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch and decrypt one record",
		ArgsUsage: "<collection> <id>",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			collection, id, err := recordArgs(cmd)
			if err != nil {
				return err
			}

			if id == "" {
				return errIDRequired
			}

			eng, err := a.engine(false, nil)
			if err != nil {
				return err
			}

			rec, err := eng.GetRecord(ctx, collection, id)
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}

			return printResult(cmd, rec)
		}),
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Encrypt and upload one record given as cleartext JSON",
		ArgsUsage: "<collection>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "Record JSON"},
			&cli.StringFlag{Name: "from", Aliases: []string{"f"}, Usage: "Read the record JSON from a file, - for stdin"},
			&cli.StringFlag{Name: "if-unmodified-since", Usage: "Fail if the collection changed after this timestamp"},
			&cli.BoolFlag{Name: "generate-keys", Usage: "Upload fresh collection keys when the server has none"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			collection, _, err := recordArgs(cmd)
			if err != nil {
				return err
			}

			since, err := parseSince(cmd.String("if-unmodified-since"))
			if err != nil {
				return err
			}

			data, err := recordInput(cmd)
			if err != nil {
				return err
			}

			rec, err := record.Decode(collection, data)
			if err != nil {
				return fmt.Errorf("put: %w", err)
			}

			eng, err := a.engine(cmd.Bool("generate-keys"), nil)
			if err != nil {
				return err
			}

			modified, err := eng.PutRecord(ctx, collection, rec, since)
			if err != nil {
				return fmt.Errorf("put: %w", err)
			}

			return printResult(cmd, writeResult{Collection: collection, ID: rec.ID, Deleted: rec.Deleted, Modified: modified})
		}),
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a record, or a whole collection with --all",
		ArgsUsage: "<collection> [id]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tombstone", Usage: "Upload a deletion marker so other clients drop the record"},
			&cli.BoolFlag{Name: "all", Usage: "Delete every record of the collection"},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			collection, id, err := recordArgs(cmd)
			if err != nil {
				return err
			}

			if cmd.Bool("all") {
				if id != "" {
					return errAllWithID
				}

				return deleteCollection(ctx, cmd, a, collection)
			}

			if id == "" {
				return errIDRequired
			}

			eng, err := a.engine(false, nil)
			if err != nil {
				return err
			}

			if cmd.Bool("tombstone") {
				kind, err := record.ParseKind(collection)
				if err != nil {
					return err
				}

				modified, err := eng.PutRecord(ctx, collection, record.Tombstone(kind, id), 0)
				if err != nil {
					return fmt.Errorf("delete: %w", err)
				}

				return printResult(cmd, writeResult{Collection: collection, ID: id, Deleted: true, Modified: modified})
			}

			if err := eng.DeleteRecord(ctx, collection, id); err != nil {
				return fmt.Errorf("delete: %w", err)
			}

			return printResult(cmd, writeResult{Collection: collection, ID: id, Deleted: true})
		}),
	}
}

// deleteCollection wipes a collection and forgets its mark.
func deleteCollection(ctx context.Context, cmd *cli.Command, a *app, collection string) error {
	if a.session == nil {
		return errNotLoggedIn
	}

	modified, err := a.storage.DeleteCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}

	if err := a.store.ResetMarks(ctx, collection); err != nil {
		log.Warn(ctx, "Failed to reset mark", "collection", collection, "error", err)
	}

	return printResult(cmd, writeResult{Collection: collection, Deleted: true, Modified: modified})
}

func recordArgs(cmd *cli.Command) (string, string, error) {
	collection := strings.TrimSpace(cmd.Args().Get(0))
	if collection == "" {
		return "", "", errCollectionRequired
	}

	return collection, cmd.Args().Get(1), nil
}

// parseSince accepts a server timestamp in decimal seconds.
func parseSince(value string) (api.Timestamp, error) {
	if value == "" {
		return 0, nil
	}

	since, err := api.ParseTimestamp(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --if-unmodified-since: %w", err)
	}

	return since, nil
}

// recordInput reads the record JSON from --data, --from or the second
// positional argument.
func recordInput(cmd *cli.Command) ([]byte, error) {
	if data := cmd.String("data"); data != "" {
		return []byte(data), nil
	}

	from := cmd.String("from")
	if from == "" {
		from = cmd.Args().Get(1)
	}

	var reader io.Reader

	switch from {
	case "":
		return nil, errNoRecordInput
	case "-":
		reader = cmd.Root().Reader
	default:
		file, err := os.Open(filepath.Clean(from))
		if err != nil {
			return nil, fmt.Errorf("open record file: %w", err)
		}

		defer file.Close()

		reader = file
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxRecordInput))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errNoRecordInput
	}

	return data, nil
}
