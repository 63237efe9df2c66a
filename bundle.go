package apkdebugger

import (
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyBundle = errors.New("bundle contains no apk archives")

// IsBundle reports whether the archive looks like a bundle of nested apk
// archives rather than an apk itself.
func IsBundle(a *Archive) bool {
	if a.Has("AndroidManifest.xml") {
		return false
	}
	for _, e := range a.Entries() {
		if !e.IsDir && strings.HasSuffix(e.Name, ".apk") {
			return true
		}
	}
	return false
}

// MergeBundle unions a bundle of split apks into a single archive. The base
// split is loaded first and wins every collision; other splits contribute
// only entries the base does not have, with their META-INF contents dropped.
func MergeBundle(bundle *Archive) (*Archive, error) {
	var nested []string
	for _, e := range bundle.Entries() {
		if !e.IsDir && strings.HasSuffix(e.Name, ".apk") {
			nested = append(nested, e.Name)
		}
	}
	if len(nested) == 0 {
		return nil, ErrEmptyBundle
	}

	base := pickBase(nested)

	baseData, err := bundle.Read(base)
	if err != nil {
		return nil, err
	}
	merged, err := OpenArchive(baseData)
	if err != nil {
		return nil, fmt.Errorf("base split %s: %w", base, err)
	}

	for _, name := range nested {
		if name == base {
			continue
		}
		data, err := bundle.Read(name)
		if err != nil {
			return nil, err
		}
		split, err := OpenArchive(data)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", name, err)
		}
		for _, e := range split.Entries() {
			if e.IsDir || strings.HasPrefix(e.Name, metaInf) {
				continue
			}
			if merged.Has(e.Name) {
				continue
			}
			merged.Put(e.Name, e.Data)
		}
	}
	return merged, nil
}

// pickBase selects the base split: an exact base.apk first, then anything
// containing "base", then "universal", then the first nested archive.
func pickBase(names []string) string {
	for _, n := range names {
		if strings.ToLower(n) == "base.apk" {
			return n
		}
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), "base") {
			return n
		}
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), "universal") {
			return n
		}
	}
	return names[0]
}
