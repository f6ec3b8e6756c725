package sqlhost

import (
	"context"
	"strconv"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/network"
	"github.com/cloudsync-go/cloudsync/internal/payload"
)

// loadCursor reads the four sync-position settings spec §6 requires
// persisted across calls (send_db_version, send_seq, check_db_version,
// check_seq), defaulting every field to 0 the first time sync runs.
func (h *Host) loadCursor(ctx context.Context) (network.Cursor, error) {
	var c network.Cursor
	for key, dst := range map[string]*int64{
		metadata.SettingSendDBVersion:  &c.SendDBVersion,
		metadata.SettingCheckDBVersion: &c.CheckDBVersion,
	} {
		v, ok, err := metadata.GetSetting(ctx, h.DB, key)
		if err != nil {
			return network.Cursor{}, err
		}
		if ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return network.Cursor{}, cserr.Wrap(cserr.Misuse, err, "sqlhost: parsing cursor setting "+key)
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*int32{
		metadata.SettingSendSeq:  &c.SendSeq,
		metadata.SettingCheckSeq: &c.CheckSeq,
	} {
		v, ok, err := metadata.GetSetting(ctx, h.DB, key)
		if err != nil {
			return network.Cursor{}, err
		}
		if ok {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return network.Cursor{}, cserr.Wrap(cserr.Misuse, err, "sqlhost: parsing cursor setting "+key)
			}
			*dst = int32(n)
		}
	}
	return c, nil
}

func (h *Host) saveSendCursor(ctx context.Context, dbVersion int64, seq int32) error {
	if err := metadata.SetSetting(ctx, metadata.DBExecer{DB: h.DB}, metadata.SettingSendDBVersion, strconv.FormatInt(dbVersion, 10)); err != nil {
		return err
	}
	return metadata.SetSetting(ctx, metadata.DBExecer{DB: h.DB}, metadata.SettingSendSeq, strconv.FormatInt(int64(seq), 10))
}

func (h *Host) saveCheckCursor(ctx context.Context, dbVersion int64, seq int32) error {
	if err := metadata.SetSetting(ctx, metadata.DBExecer{DB: h.DB}, metadata.SettingCheckDBVersion, strconv.FormatInt(dbVersion, 10)); err != nil {
		return err
	}
	return metadata.SetSetting(ctx, metadata.DBExecer{DB: h.DB}, metadata.SettingCheckSeq, strconv.FormatInt(int64(seq), 10))
}

// HasUnsentChanges reports whether any shadow row carries a db_version/seq
// strictly past the last-sent cursor, backing network_has_unsent_changes().
func (h *Host) HasUnsentChanges(ctx context.Context) (bool, error) {
	cursor, err := h.loadCursor(ctx)
	if err != nil {
		return false, err
	}
	for _, td := range h.Core.Inventory.Tables() {
		shadow := metadata.ShadowName(td.Name)
		var one int
		err := h.DB.QueryRowContext(ctx,
			`SELECT 1 FROM `+metadata.QuoteIdent(shadow)+`
			 WHERE site_id = 0 AND (db_version > ? OR (db_version = ? AND seq > ?)) LIMIT 1`,
			cursor.SendDBVersion, cursor.SendDBVersion, cursor.SendSeq).Scan(&one)
		if err == nil {
			return true, nil
		}
	}
	return false, nil
}

// SendChanges implements network_send_changes(): encode every locally
// authored shadow row past the send cursor into one payload, upload it, and
// advance the send cursor to the highest (db_version, seq) included.
func (h *Host) SendChanges(ctx context.Context) error {
	cursor, err := h.loadCursor(ctx)
	if err != nil {
		return err
	}

	rows, err := h.scanUnsentRows(ctx, cursor)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	hash := metadata.SchemaHash(h.Core.Inventory.Tables())
	enc := payload.NewEncoder(hash)
	var maxDBV int64
	var maxSeq int32
	for _, r := range rows {
		enc.Step(payload.NewRow(r))
		if r.DBVersion > maxDBV || (r.DBVersion == maxDBV && r.Seq > maxSeq) {
			maxDBV, maxSeq = r.DBVersion, r.Seq
		}
	}
	blob, err := enc.Finalize()
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "sqlhost: encoding outbound payload")
	}
	if err := h.Net.Upload(ctx, blob); err != nil {
		return err
	}
	return h.saveSendCursor(ctx, maxDBV, maxSeq)
}

func (h *Host) scanUnsentRows(ctx context.Context, cursor network.Cursor) ([]payload.TypedRow, error) {
	var out []payload.TypedRow
	for _, td := range h.Core.Inventory.Tables() {
		shadow := metadata.ShadowName(td.Name)
		rows, err := h.DB.QueryContext(ctx,
			`SELECT pk, col_name, col_version, db_version, seq FROM `+metadata.QuoteIdent(shadow)+`
			 WHERE site_id = 0 AND (db_version > ? OR (db_version = ? AND seq > ?))
			 ORDER BY db_version ASC, seq ASC`,
			cursor.SendDBVersion, cursor.SendDBVersion, cursor.SendSeq)
		if err != nil {
			return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: scanning unsent rows for "+td.Name)
		}
		for rows.Next() {
			var pk []byte
			var colName string
			var colVersion, dbVersion int64
			var seq int32
			if err := rows.Scan(&pk, &colName, &colVersion, &dbVersion, &seq); err != nil {
				rows.Close()
				return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: scanning unsent row for "+td.Name)
			}
			tr := payload.TypedRow{
				Table:        td.Name,
				PK:           pk,
				ColName:      colName,
				ColVersion:   colVersion,
				DBVersion:    dbVersion,
				SiteID:       h.LocalSiteID[:],
				CausalLength: colVersion,
				Seq:          seq,
			}
			if colName != metadata.TombstoneSentinel {
				val, err := readColumnValueForWire(ctx, h, td, pk, colName)
				if err != nil {
					rows.Close()
					return nil, err
				}
				tr.ColValue = val
			}
			out = append(out, tr)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: iterating unsent rows for "+td.Name)
		}
	}
	return out, nil
}

// CheckChanges implements network_check_changes(): poll the server for one
// inbound payload, decode and merge every row, and advance the check
// cursor. Returns the number of rows applied.
func (h *Host) CheckChanges(ctx context.Context) (int, error) {
	cursor, err := h.loadCursor(ctx)
	if err != nil {
		return 0, err
	}
	blob, ok, err := h.Net.Check(ctx, h.LocalSiteID, cursor)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	var maxDBV int64
	var maxSeq int32
	applied, applyErr := h.decodeAndApply(ctx, blob, func(tr payload.TypedRow) {
		if tr.DBVersion > maxDBV || (tr.DBVersion == maxDBV && tr.Seq > maxSeq) {
			maxDBV, maxSeq = tr.DBVersion, tr.Seq
		}
	})
	if applyErr != nil {
		return applied, applyErr
	}
	if applied == 0 {
		return 0, nil
	}
	return applied, h.saveCheckCursor(ctx, maxDBV, maxSeq)
}

// Sync implements network_sync(): send then check, matching spec §6's
// "sends-then-checks with retry" without the retry loop, since the network
// collaborator here is assumed synchronous and already surfaces a non-nil
// error on any transport failure for the caller to retry at a higher level.
func (h *Host) Sync(ctx context.Context) error {
	if err := h.SendChanges(ctx); err != nil {
		return err
	}
	_, err := h.CheckChanges(ctx)
	return err
}

// ResetSyncVersion implements network_reset_sync_version(): clears every
// persisted cursor, forcing the next sync to re-send and re-check from
// scratch (used after logout or a connection-string change).
func (h *Host) ResetSyncVersion(ctx context.Context) error {
	for _, key := range []string{
		metadata.SettingSendDBVersion, metadata.SettingSendSeq,
		metadata.SettingCheckDBVersion, metadata.SettingCheckSeq,
	} {
		if err := metadata.SetSetting(ctx, metadata.DBExecer{DB: h.DB}, key, "0"); err != nil {
			return err
		}
	}
	return nil
}
