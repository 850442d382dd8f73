package fieldsync

import (
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NewLocalID mints a client-side identifier.
func NewLocalID() string {
	return LocalIDPrefix + ulid.Make().String()
}

// isJSONObject reports whether b is a valid JSON object.
func isJSONObject(b []byte) bool {
	return gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject()
}

func joinPath(parent, comp string) string {
	if parent == "" {
		return comp
	}
	return parent + "." + comp
}

// walkStrings calls fn with the sjson path of every string leaf.
func walkStrings(v gjson.Result, path string, fn func(path, value string)) {
	switch {
	case v.IsObject():
		v.ForEach(func(k, child gjson.Result) bool {
			walkStrings(child, joinPath(path, gjson.Escape(k.String())), fn)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, child gjson.Result) bool {
			walkStrings(child, joinPath(path, strconv.Itoa(i)), fn)
			i++
			return true
		})
	case v.Type == gjson.String && path != "":
		fn(path, v.Str)
	}
}

// localRefs returns the distinct client-minted ids referenced by a payload.
func localRefs(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var refs []string
	walkStrings(gjson.ParseBytes(payload), "", func(_, value string) {
		if IsLocalID(value) && !seen[value] {
			seen[value] = true
			refs = append(refs, value)
		}
	})
	return refs
}

// rewriteRefs replaces every string leaf equal to localID with serverID.
func rewriteRefs(payload []byte, localID, serverID string) ([]byte, bool, error) {
	if len(payload) == 0 {
		return payload, false, nil
	}
	var paths []string
	walkStrings(gjson.ParseBytes(payload), "", func(path, value string) {
		if value == localID {
			paths = append(paths, path)
		}
	})
	if len(paths) == 0 {
		return payload, false, nil
	}

	out := payload
	for _, p := range paths {
		var err error
		out, err = sjson.SetBytes(out, p, serverID)
		if err != nil {
			return nil, false, fmt.Errorf("rewrite %s: %w", p, err)
		}
	}
	return out, true, nil
}

// mergePatch applies the top-level keys of patch onto payload.
// A null value removes the key.
func mergePatch(payload, patch []byte) ([]byte, error) {
	if !isJSONObject(patch) {
		return nil, ErrInvalidPayload
	}
	out := payload
	if len(out) == 0 {
		out = []byte("{}")
	}

	var err error
	gjson.ParseBytes(patch).ForEach(func(k, v gjson.Result) bool {
		key := gjson.Escape(k.String())
		if v.Type == gjson.Null {
			out, err = sjson.DeleteBytes(out, key)
		} else {
			out, err = sjson.SetRawBytes(out, key, []byte(v.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	return out, nil
}

// bulkPayload builds the single payload of a bulk operation.
func bulkPayload(members []string, extra []byte) ([]byte, error) {
	out := []byte("{}")
	if len(extra) > 0 {
		if !isJSONObject(extra) {
			return nil, ErrInvalidPayload
		}
		out = append([]byte(nil), extra...)
	}
	if members == nil {
		members = []string{}
	}
	return sjson.SetBytes(out, "members", members)
}
