// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package ingest loads classified-file exports into the ledger. Exports
// arrive as zip archives of CSV files in a pickup directory; each archive is
// processed in isolation so one malformed export cannot block the rest.
package ingest

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/telekom/hrdata-chaser/pkg/ledger"
	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

// Processor drains the pickup directory into the ledger store.
type Processor struct {
	store     ledger.RawWriter
	log       *zap.SugaredLogger
	batchRows int
	loadFor   string
}

// Stats summarizes one pickup-directory sweep.
type Stats struct {
	Archives       int
	FailedArchives int
	Rows           int64
	Owners         int
}

func NewProcessor(store ledger.RawWriter, batchRows int, loadFor string, log *zap.SugaredLogger) *Processor {
	if batchRows <= 0 {
		batchRows = 500000
	}
	return &Processor{
		store:     store,
		log:       log.Named("ingest"),
		batchRows: batchRows,
		loadFor:   loadFor,
	}
}

// Run processes every zip archive in the pickup directory, oldest name
// first. Processed archives move to a done/ subdirectory, failed ones to
// failed/, so a rerun never double-loads.
func (p *Processor) Run(ctx context.Context, pickupPath string) (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(pickupPath)
	if err != nil {
		return stats, fmt.Errorf("reading pickup directory %s: %w", pickupPath, err)
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			archives = append(archives, e.Name())
		}
	}
	sort.Strings(archives)

	for _, name := range archives {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		path := filepath.Join(pickupPath, name)
		rows, owners, err := p.processArchive(ctx, path)
		if err != nil {
			stats.FailedArchives++
			metrics.IngestArchives.WithLabelValues("error").Inc()
			p.log.Errorw("Archive ingestion failed", "archive", name, "error", err)
			p.moveTo(path, filepath.Join(pickupPath, "failed", name))
			continue
		}

		stats.Archives++
		stats.Rows += rows
		stats.Owners += owners
		metrics.IngestArchives.WithLabelValues("success").Inc()
		p.log.Infow("Archive ingested", "archive", name, "rows", rows, "owners", owners)
		p.moveTo(path, filepath.Join(pickupPath, "done", name))
	}

	return stats, nil
}

func (p *Processor) moveTo(src, dst string) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		p.log.Warnw("Creating archive target directory", "error", err)
		return
	}
	if err := os.Rename(src, dst); err != nil {
		p.log.Warnw("Moving processed archive", "archive", src, "error", err)
	}
}

func (p *Processor) processArchive(ctx context.Context, path string) (rows int64, owners int, err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	seenOwners := map[string]bool{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(f.Name), ".csv") {
			continue
		}
		n, err := p.processMember(ctx, f, seenOwners)
		if err != nil {
			return rows, len(seenOwners), fmt.Errorf("member %s: %w", f.Name, err)
		}
		rows += n
	}
	return rows, len(seenOwners), nil
}

func (p *Processor) processMember(ctx context.Context, f *zip.File, seenOwners map[string]bool) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	cols := indexColumns(header)

	var total int64
	batch := make([]ledger.RawRow, 0, p.batchRows)
	pending := make([][2]string, 0, p.batchRows) // psid, name per batch row

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		// Rows of one batch land in a single transaction on a single
		// connection, so their ids are consecutive from firstID.
		firstID, err := p.store.InsertRawRows(ctx, batch)
		if err != nil {
			return err
		}
		for i, attr := range pending {
			psid, name := attr[0], attr[1]
			if psid == "" {
				continue
			}
			if !seenOwners[psid] {
				if err := p.store.UpsertOwner(ctx, ledger.Owner{PSID: psid, Name: name, Email: loginToEmail(psid)}); err != nil {
					return err
				}
				seenOwners[psid] = true
			}
			if _, err := p.store.AddOwnership(ctx, psid, firstID+int64(i)); err != nil {
				return err
			}
		}
		total += int64(len(batch))
		batch = batch[:0]
		pending = pending[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("reading row: %w", err)
		}

		row := mapRow(record, cols)
		row.LoadFor = p.loadFor
		psid, name := attributeOwner(row)
		batch = append(batch, row)
		pending = append(pending, [2]string{psid, name})

		if len(batch) >= p.batchRows {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

// indexColumns maps normalized header names to positions.
func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func mapRow(record []string, cols map[string]int) ledger.RawRow {
	pathID, _ := strconv.ParseInt(field(record, cols, "path_id"), 10, 64)
	return ledger.RawRow{
		PathID:             pathID,
		FullPath:           field(record, cols, "full_path"),
		DocumentName:       field(record, cols, "document_name"),
		DFS:                field(record, cols, "dfs"),
		CreatedDate:        field(record, cols, "created_date"),
		ModifiedDate:       field(record, cols, "modified_date"),
		AccessedDate:       field(record, cols, "accessed_date"),
		CreatorName:        field(record, cols, "creator_name"),
		OwnerName:          field(record, cols, "owner_name"),
		OwnerLogin:         field(record, cols, "owner_login"),
		ModifierName:       field(record, cols, "modifier_name"),
		ModifierLogin:      field(record, cols, "modifier_login"),
		AccessorName:       field(record, cols, "accessor_name"),
		AccessorLogin:      field(record, cols, "accessor_login"),
		ClassifyTime:       field(record, cols, "classify_time"),
		Tags:               field(record, cols, "tags"),
		Ownership:          field(record, cols, "ownership"),
		InferredOwnerLevel: field(record, cols, "inferred_owner_level"),
	}
}

// attributeOwner picks the person a file is chased to: the recorded owner,
// falling back to the last modifier, then the last accessor.
func attributeOwner(row ledger.RawRow) (psid, name string) {
	switch {
	case row.OwnerLogin != "":
		return row.OwnerLogin, row.OwnerName
	case row.ModifierLogin != "":
		return row.ModifierLogin, row.ModifierName
	case row.AccessorLogin != "":
		return row.AccessorLogin, row.AccessorName
	default:
		return "", ""
	}
}

// loginToEmail derives the corporate address from a login. Logins already
// shaped like addresses pass through unchanged.
func loginToEmail(login string) string {
	if login == "" {
		return ""
	}
	if strings.Contains(login, "@") {
		return strings.ToLower(login)
	}
	return strings.ToLower(login) + "@telekom.de"
}
