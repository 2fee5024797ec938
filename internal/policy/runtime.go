// Package policy runs conflict policies written in Lua.
//
// A script defines osmupload.on_automatic_conflict and/or
// osmupload.on_manual_conflict. Both receive a conflict table
//
//	{ kind = "tags", ours = <feature>, theirs = <feature>, merged = <feature> }
//
// where ours is the diff's copy and theirs the store's (merged only for automatic
// conflicts). The callback answers with one of
//
//	true or nil          take the proposed merge (automatic) or the local copy (manual)
//	false or "refuse"    decline
//	"local"              resubmit the local copy
//	"remote"             keep the store's copy, dropping the feature from the upload
//	"merged"             take the proposed merge (automatic only)
//	{ use = ..., feature = <feature>, tags = { k = v } }
//
// where feature overrides the fields it names and tags replaces the changeset tags.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/conflict"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
)

// Runtime holds the Lua interpreter of one policy script
type Runtime struct {
	L         *lua.LState
	mu        sync.Mutex
	automatic lua.LValue
	manual    lua.LValue
}

// NewRuntime creates a Lua runtime with the osmupload module registered
func NewRuntime() *Runtime {
	r := &Runtime{L: lua.NewState()}
	r.registerAPI()
	return r
}

// Close releases Lua resources
func (r *Runtime) Close() {
	r.L.Close()
}

func (r *Runtime) registerAPI() {
	mod := r.L.NewTable()
	mod.RawSetString("version", lua.LString("1.0.0"))
	r.L.SetGlobal("osmupload", mod)
	r.L.SetGlobal("print", r.L.NewFunction(luaPrint))
}

// LoadFile loads and executes a policy script
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}
	return r.extractCallbacks()
}

// LoadString loads and executes Lua code from a string
func (r *Runtime) LoadString(code string) error {
	if err := r.L.DoString(code); err != nil {
		return fmt.Errorf("failed to load Lua code: %w", err)
	}
	return r.extractCallbacks()
}

func (r *Runtime) extractCallbacks() error {
	mod, ok := r.L.GetGlobal("osmupload").(*lua.LTable)
	if !ok {
		return fmt.Errorf("script replaced the osmupload module")
	}
	r.automatic = mod.RawGetString("on_automatic_conflict")
	r.manual = mod.RawGetString("on_manual_conflict")
	if !r.HasAutomatic() && !r.HasManual() {
		return fmt.Errorf("script defines neither osmupload.on_automatic_conflict nor osmupload.on_manual_conflict")
	}
	return nil
}

// HasAutomatic returns true if on_automatic_conflict is defined
func (r *Runtime) HasAutomatic() bool {
	return r.automatic != nil && r.automatic.Type() == lua.LTFunction
}

// HasManual returns true if on_manual_conflict is defined
func (r *Runtime) HasManual() bool {
	return r.manual != nil && r.manual.Type() == lua.LTFunction
}

// Automatic returns the script's automatic policy, or nil if it defines none
func (r *Runtime) Automatic() conflict.AutomaticFunc {
	if !r.HasAutomatic() {
		return nil
	}
	return func(ctx context.Context, c conflict.AutoConflict) (conflict.Resolution, error) {
		return r.call(ctx, r.automatic, c.Kind, c.Local, c.Remote, &c.Merged)
	}
}

// Manual returns the script's manual policy, or nil if it defines none
func (r *Runtime) Manual() conflict.ManualFunc {
	if !r.HasManual() {
		return nil
	}
	return func(ctx context.Context, c conflict.ManualConflict) (conflict.Resolution, error) {
		return r.call(ctx, r.manual, c.Kind, c.Local, c.Remote, nil)
	}
}

func (r *Runtime) call(ctx context.Context, fn lua.LValue, kind conflict.Kind, local, remote feature.Feature, merged *feature.Feature) (conflict.Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.L.SetContext(ctx)
	defer r.L.RemoveContext()

	arg := r.L.NewTable()
	arg.RawSetString("kind", lua.LString(kind))
	arg.RawSetString("ours", featureToLua(r.L, &local))
	arg.RawSetString("theirs", featureToLua(r.L, &remote))
	if merged != nil {
		arg.RawSetString("merged", featureToLua(r.L, merged))
	}

	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return conflict.Resolution{}, fmt.Errorf("lua callback error: %w", err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	return toResolution(ret, local, merged)
}

// toResolution interprets a callback's return value
func toResolution(ret lua.LValue, local feature.Feature, merged *feature.Feature) (conflict.Resolution, error) {
	var res conflict.Resolution
	use := ""
	var override *lua.LTable

	switch v := ret.(type) {
	case *lua.LNilType:
		return res, nil
	case lua.LBool:
		res.Refused = !bool(v)
		return res, nil
	case lua.LString:
		use = string(v)
	case *lua.LTable:
		if u, ok := v.RawGetString("use").(lua.LString); ok {
			use = string(u)
		}
		if f, ok := v.RawGetString("feature").(*lua.LTable); ok {
			override = f
		}
		if tags, ok := v.RawGetString("tags").(*lua.LTable); ok {
			res.Tags = tagsFromLua(tags)
		}
	default:
		return res, fmt.Errorf("unexpected policy result of type %s", ret.Type())
	}

	switch use {
	case "":
	case "refuse":
		res.Refused = true
		return res, nil
	case "local":
		kept := local.Clone()
		res.Merged = &kept
	case "remote":
		res.Drop = true
	case "merged":
		if merged == nil {
			return res, fmt.Errorf("no merged feature for a manual conflict")
		}
		m := merged.Clone()
		res.Merged = &m
	default:
		return res, fmt.Errorf("unknown policy result %q", use)
	}

	if override != nil {
		base := local
		if res.Merged != nil {
			base = *res.Merged
		} else if merged != nil {
			base = *merged
		}
		f, err := featureFromLua(override, base)
		if err != nil {
			return res, err
		}
		res.Merged = &f
		res.Drop = false
	}
	return res, nil
}

// featureToLua converts a feature to a Lua table
func featureToLua(L *lua.LState, f *feature.Feature) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LNumber(f.ID))
	tbl.RawSetString("type", lua.LString(f.Type))
	tbl.RawSetString("version", lua.LNumber(f.Version))
	tbl.RawSetString("changeset", lua.LNumber(f.Changeset))
	tbl.RawSetString("uid", lua.LNumber(f.UID))
	tbl.RawSetString("user", lua.LString(f.User))
	tbl.RawSetString("visible", lua.LBool(f.Visible))

	tags := L.NewTable()
	for _, t := range f.Tags {
		tags.RawSetString(t.Key, lua.LString(t.Value))
	}
	tbl.RawSetString("tags", tags)

	switch f.Type {
	case feature.TypeNode:
		tbl.RawSetString("lat", lua.LNumber(f.Lat))
		tbl.RawSetString("lon", lua.LNumber(f.Lon))
	case feature.TypeWay:
		nodes := L.NewTable()
		for i, ref := range f.Nodes {
			nodes.RawSetInt(i+1, lua.LNumber(ref))
		}
		tbl.RawSetString("nodes", nodes)
	case feature.TypeRelation:
		members := L.NewTable()
		for i, m := range f.Members {
			memberTbl := L.NewTable()
			memberTbl.RawSetString("type", lua.LString(m.Type))
			memberTbl.RawSetString("ref", lua.LNumber(m.Ref))
			memberTbl.RawSetString("role", lua.LString(m.Role))
			members.RawSetInt(i+1, memberTbl)
		}
		tbl.RawSetString("members", members)
	}
	return tbl
}

// featureFromLua applies the fields present in tbl on top of base. Identity fields
// (type, id, version) are not taken from the script.
func featureFromLua(tbl *lua.LTable, base feature.Feature) (feature.Feature, error) {
	f := base.Clone()

	if tags, ok := tbl.RawGetString("tags").(*lua.LTable); ok {
		f.Tags = tagsFromLua(tags)
	}
	if v, ok := tbl.RawGetString("lat").(lua.LNumber); ok {
		f.Lat = float64(v)
	}
	if v, ok := tbl.RawGetString("lon").(lua.LNumber); ok {
		f.Lon = float64(v)
	}
	if nodes, ok := tbl.RawGetString("nodes").(*lua.LTable); ok {
		f.Nodes = make([]int64, 0, nodes.Len())
		for i := 1; i <= nodes.Len(); i++ {
			n, ok := nodes.RawGetInt(i).(lua.LNumber)
			if !ok {
				return f, fmt.Errorf("nodes[%d] is not a number", i)
			}
			f.Nodes = append(f.Nodes, int64(n))
		}
	}
	if members, ok := tbl.RawGetString("members").(*lua.LTable); ok {
		f.Members = make([]feature.Member, 0, members.Len())
		for i := 1; i <= members.Len(); i++ {
			m, ok := members.RawGetInt(i).(*lua.LTable)
			if !ok {
				return f, fmt.Errorf("members[%d] is not a table", i)
			}
			t, err := feature.ParseType(lua.LVAsString(m.RawGetString("type")))
			if err != nil {
				return f, fmt.Errorf("members[%d]: %w", i, err)
			}
			ref, ok := m.RawGetString("ref").(lua.LNumber)
			if !ok {
				return f, fmt.Errorf("members[%d].ref is not a number", i)
			}
			f.Members = append(f.Members, feature.Member{Type: t, Ref: int64(ref), Role: lua.LVAsString(m.RawGetString("role"))})
		}
	}
	return f, nil
}

// tagsFromLua converts a Lua key/value table into tags sorted by key
func tagsFromLua(tbl *lua.LTable) feature.Tags {
	tags := feature.Tags{}
	tbl.ForEach(func(k, v lua.LValue) {
		if k.Type() != lua.LTString {
			return
		}
		tags = append(tags, feature.Tag{Key: k.String(), Value: lua.LVAsString(v)})
	})
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}

// luaPrint sends print output to the debug log
func luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	logger.Get().Debug("Lua", zap.String("output", strings.Join(parts, "\t")))
	return 0
}
