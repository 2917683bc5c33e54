package sync

import (
	"reflect"
	"sort"
)

// conflictingFields lists, in stable order, the keys whose values differ
// between the two payloads. Keys present on only one side are not
// conflicting; they merge cleanly.
func conflictingFields(local, remote map[string]any) []string {
	fields := make([]string, 0)
	for key, lv := range local {
		rv, ok := remote[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)
	return fields
}

// mergePayloads combines local and remote field by field. Fields present
// on one side only are taken as-is; fields with differing values take the
// side whose timestamp is later. There is no true common ancestor, so this
// is an approximation rather than a guaranteed conflict-free merge.
func mergePayloads(conflict *Conflict) map[string]any {
	merged := make(map[string]any, len(conflict.LocalData)+len(conflict.RemoteData))
	for key, value := range conflict.RemoteData {
		merged[key] = value
	}

	localWins := conflict.LocalStamp.After(conflict.RemoteStamp)
	for key, lv := range conflict.LocalData {
		rv, ok := conflict.RemoteData[key]
		if !ok {
			merged[key] = lv
			continue
		}
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		if localWins {
			merged[key] = lv
		}
	}
	return merged
}
