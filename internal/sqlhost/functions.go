package sqlhost

import (
	"context"

	"github.com/ncruces/go-sqlite3"

	"github.com/cloudsync-go/cloudsync/internal/identity"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// registerFunctions binds every cloudsync_* / pk_* / payload_* / network_*
// scalar SQL function of spec §6 to raw, the live connection's low-level
// handle. Every callback runs with h's own context.Background()-derived
// request context rather than the query's ctx, because sqlite3.Context
// does not carry a caller context through the C call boundary — it is the
// same limitation the teacher's SQL-level hooks never have to deal with
// (bd's schema has no custom SQL functions), so this is new territory
// grounded directly on spec §6's signatures rather than a teacher pattern.
func registerFunctions(raw *sqlite3.Conn, h *Host) error {
	reg := func(name string, nArg int, flags sqlite3.FunctionFlag, fn func(sqlite3.Context, ...sqlite3.Value)) error {
		return raw.CreateFunction(name, nArg, flags, fn)
	}

	const (
		pure  = sqlite3.DETERMINISTIC | sqlite3.INNOCUOUS
		local = sqlite3.INNOCUOUS // reads/writes connection-local state, not deterministic across calls
	)

	if err := reg("cloudsync_is_sync", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		table := arg[0].Text()
		if h.isSyncing(table) {
			c.ResultInt(1)
		} else {
			c.ResultInt(0)
		}
	}); err != nil {
		return err
	}

	if err := reg("cloudsync_emit_insert", -1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		table, npk := arg[0].Text(), int(arg[1].Int64())
		pkVals := valuesFromArgs(arg[2 : 2+npk])
		if err := h.Emitter.EmitInsert(context.Background(), table, pkVals); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}

	if err := reg("cloudsync_emit_update", -1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		table := arg[0].Text()
		npk, ndata := int(arg[1].Int64()), int(arg[2].Int64())
		off := 3
		newPK := valuesFromArgs(arg[off : off+npk])
		off += npk
		oldPK := valuesFromArgs(arg[off : off+npk])
		off += npk
		newVals := valuesFromArgs(arg[off : off+ndata])
		off += ndata
		oldVals := valuesFromArgs(arg[off : off+ndata])
		if err := h.Emitter.EmitUpdate(context.Background(), table, newPK, oldPK, newVals, oldVals); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}

	if err := reg("cloudsync_emit_delete", -1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		table, npk := arg[0].Text(), int(arg[1].Int64())
		oldPK := valuesFromArgs(arg[2 : 2+npk])
		if err := h.Emitter.EmitDelete(context.Background(), table, oldPK); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}

	if err := reg("pk_encode", -1, pure, func(c sqlite3.Context, arg ...sqlite3.Value) {
		vals := valuesFromArgs(arg)
		enc, err := pkcodec.Encode(vals)
		if err != nil {
			c.ResultError(err)
			return
		}
		c.ResultBlob(enc)
	}); err != nil {
		return err
	}

	if err := reg("pk_decode", 2, pure, func(c sqlite3.Context, arg ...sqlite3.Value) {
		v, err := pkcodec.DecodeIndex(arg[0].Blob(nil), int(arg[1].Int64()))
		if err != nil {
			c.ResultError(err)
			return
		}
		setResult(c, v)
	}); err != nil {
		return err
	}

	if err := reg("db_version", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		c.ResultInt64(h.Clock.DBVersion())
	}); err != nil {
		return err
	}
	if err := reg("db_version_next", -1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		merging := clockNoMerging
		if len(arg) > 0 {
			merging = arg[0].Int64()
		}
		v, err := h.Clock.Next(context.Background(), merging)
		if err != nil {
			c.ResultError(err)
			return
		}
		c.ResultInt64(v)
	}); err != nil {
		return err
	}
	if err := reg("seq", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		c.ResultInt(int(h.Clock.Seq()))
	}); err != nil {
		return err
	}

	if err := reg("siteid", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		c.ResultBlob(h.LocalSiteID[:])
	}); err != nil {
		return err
	}
	if err := reg("uuid", 0, sqlite3.INNOCUOUS, func(c sqlite3.Context, arg ...sqlite3.Value) {
		c.ResultText(identity.NewUUIDText())
	}); err != nil {
		return err
	}
	if err := reg("version", 0, pure, func(c sqlite3.Context, arg ...sqlite3.Value) {
		c.ResultText(engineVersion)
	}); err != nil {
		return err
	}

	if err := reg("set_merge_equal_values", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		on := "0"
		if arg[0].Int64() != 0 {
			on = "1"
		}
		if err := metadata.SetSetting(context.Background(), h.rawExec, metadata.SettingMergeEqualValues, on); err != nil {
			c.ResultError(err)
			return
		}
		h.MergeEqualValues = on == "1"
	}); err != nil {
		return err
	}

	if err := reg("enable", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Enable(context.Background(), arg[0].Text()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("disable", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Disable(context.Background(), arg[0].Text()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("is_enabled", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if h.IsEnabled(arg[0].Text()) {
			c.ResultInt(1)
		} else {
			c.ResultInt(0)
		}
	}); err != nil {
		return err
	}
	if err := reg("terminate", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Terminate(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}

	if err := raw.CreateAggregateFunction("payload_encode", 9, local, func() sqlite3.AggregateFunction {
		return &payloadEncodeAgg{h: h}
	}); err != nil {
		return err
	}
	if err := reg("payload_decode", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		applied, err := h.decodeAndApply(context.Background(), arg[0].Blob(nil), nil)
		if err != nil {
			c.ResultError(err)
			return
		}
		c.ResultInt(applied)
	}); err != nil {
		return err
	}

	return registerNetworkFunctions(reg, h)
}

// clockNoMerging mirrors clock.NoMerging without importing the clock
// package's constant name into an SQL-argument decoding context, since
// db_version_next(merging?) takes a SQL NULL/absent-argument form rather
// than clock.NoMerging's sentinel int64 directly.
const clockNoMerging = -1

func registerNetworkFunctions(
	reg func(name string, nArg int, flags sqlite3.FunctionFlag, fn func(sqlite3.Context, ...sqlite3.Value)) error,
	h *Host,
) error {
	local := sqlite3.INNOCUOUS

	if err := reg("network_init", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Net.Init(context.Background(), arg[0].Text()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_cleanup", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Net.Cleanup(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_set_token", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		h.Net.SetToken(arg[0].Text())
	}); err != nil {
		return err
	}
	if err := reg("network_set_apikey", 1, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		h.Net.SetAPIKey(arg[0].Text())
	}); err != nil {
		return err
	}
	if err := reg("network_logout", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Net.Logout(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_has_unsent_changes", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		has, err := h.HasUnsentChanges(context.Background())
		if err != nil {
			c.ResultError(err)
			return
		}
		if has {
			c.ResultInt(1)
		} else {
			c.ResultInt(0)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_send_changes", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.SendChanges(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_check_changes", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		applied, err := h.CheckChanges(context.Background())
		if err != nil {
			c.ResultError(err)
			return
		}
		c.ResultInt(applied)
	}); err != nil {
		return err
	}
	if err := reg("network_sync", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.Sync(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	if err := reg("network_reset_sync_version", 0, local, func(c sqlite3.Context, arg ...sqlite3.Value) {
		if err := h.ResetSyncVersion(context.Background()); err != nil {
			c.ResultError(err)
		}
	}); err != nil {
		return err
	}
	return nil
}

func valuesFromArgs(args []sqlite3.Value) []sqlvalue.Value {
	out := make([]sqlvalue.Value, len(args))
	for i, a := range args {
		out[i] = fromSQLiteValue(a)
	}
	return out
}

func fromSQLiteValue(v sqlite3.Value) sqlvalue.Value {
	switch v.Type() {
	case sqlite3.NULL:
		return sqlvalue.Null
	case sqlite3.INTEGER:
		return sqlvalue.Int(v.Int64())
	case sqlite3.FLOAT:
		return sqlvalue.Float(v.Float())
	case sqlite3.TEXT:
		return sqlvalue.Text(v.Text())
	default:
		return sqlvalue.Blob(v.Blob(nil))
	}
}

func setResult(c sqlite3.Context, v sqlvalue.Value) {
	switch v.Type {
	case sqlvalue.TypeNull:
		c.ResultNull()
	case sqlvalue.TypeInt:
		c.ResultInt64(v.I)
	case sqlvalue.TypeFloat:
		c.ResultFloat(v.F)
	case sqlvalue.TypeText:
		c.ResultText(v.S)
	case sqlvalue.TypeBlob:
		c.ResultBlob(v.B)
	}
}

// engineVersion is the version() SQL function's literal, independent of the
// payload package's own wire-compat version triple.
const engineVersion = "cloudsync 1.0.0"

// payloadEncodeAgg backs the payload_encode(tbl, pk, col_name, col_value,
// col_version, db_version, site_id, causal_length, seq) aggregate of spec
// §4.6/§9: one instance is created per GROUP BY group (or once for an
// ungrouped query), accumulating each group's rows and framing them into a
// single wire payload on Value. The schema fingerprint is read at Value time
// rather than cached at Step time, since a long-running aggregate should
// reflect the schema as of when it actually finalizes.
type payloadEncodeAgg struct {
	h    *Host
	rows []payload.Row
}

func (a *payloadEncodeAgg) Step(c sqlite3.Context, arg ...sqlite3.Value) {
	var r payload.Row
	for i := range r {
		if i < len(arg) {
			r[i] = fromSQLiteValue(arg[i])
		}
	}
	a.rows = append(a.rows, r)
}

func (a *payloadEncodeAgg) Value(c sqlite3.Context) {
	hash := metadata.SchemaHash(a.h.Core.Inventory.Tables())
	enc := payload.NewEncoder(hash)
	for _, r := range a.rows {
		enc.Step(r)
	}
	blob, err := enc.Finalize()
	if err != nil {
		c.ResultError(err)
		return
	}
	c.ResultBlob(blob)
}
