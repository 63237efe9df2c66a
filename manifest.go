package apkdebugger

import (
	"errors"
	"fmt"
	"strings"
)

// ManifestInfo is a read-only view of the facts this tool cares about in an
// AndroidManifest.xml.
type ManifestInfo struct {
	Package          string
	VersionCode      uint32
	VersionName      string
	MinSdkVersion    uint32
	TargetSdkVersion uint32
	Debuggable       bool
	Application      string
	Permissions      []string
}

var ErrNotAManifest = errors.New("root element is not manifest")

// ParseManifestInfo parses a compiled AndroidManifest.xml and extracts its
// facts.
func ParseManifestInfo(data []byte) (*ManifestInfo, error) {
	doc, err := ParseXmlDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.ManifestInfo()
}

// ManifestInfo scans the element stream for the manifest, uses-sdk,
// application and uses-permission elements.
func (doc *XmlDocument) ManifestInfo() (*ManifestInfo, error) {
	info := &ManifestInfo{}
	seenRoot := false

	for _, ch := range doc.Chunks {
		el, ok := ch.(*XmlElementStart)
		if !ok {
			continue
		}

		name, err := doc.String(el.Name)
		if err != nil {
			return nil, err
		}

		if !seenRoot {
			if name != "manifest" {
				return nil, fmt.Errorf("%w: %q", ErrNotAManifest, name)
			}
			seenRoot = true
		}

		switch name {
		case "manifest":
			info.Package = doc.stringAttr(el, "package")
			info.VersionCode = doc.intAttr(el, "versionCode")
			info.VersionName = doc.stringAttr(el, "versionName")
		case "uses-sdk":
			info.MinSdkVersion = doc.intAttr(el, "minSdkVersion")
			info.TargetSdkVersion = doc.intAttr(el, "targetSdkVersion")
		case "application":
			info.Debuggable = doc.boolAttr(el, "debuggable")
			info.Application = doc.stringAttr(el, "name")
		case "uses-permission":
			if perm := doc.stringAttr(el, "name"); perm != "" {
				info.Permissions = append(info.Permissions, strings.TrimPrefix(perm, "android.permission."))
			}
		}
	}

	if !seenRoot {
		return nil, ErrNotAManifest
	}
	return info, nil
}

func (doc *XmlDocument) findAttr(el *XmlElementStart, name string) *XmlAttr {
	for i := range el.Attrs {
		if doc.attrName(&el.Attrs[i]) == name {
			return &el.Attrs[i]
		}
	}
	return nil
}

// stringAttr resolves a string-typed attribute, falling back to the raw
// value index when the data word does not hold a pool reference.
func (doc *XmlDocument) stringAttr(el *XmlElementStart, name string) string {
	a := doc.findAttr(el, name)
	if a == nil {
		return ""
	}
	if a.DataType == attrTypeString {
		if s, err := doc.String(a.Data); err == nil && s != "" {
			return s
		}
	}
	s, _ := doc.String(a.RawValue)
	return s
}

func (doc *XmlDocument) intAttr(el *XmlElementStart, name string) uint32 {
	if a := doc.findAttr(el, name); a != nil {
		return a.Data
	}
	return 0
}

func (doc *XmlDocument) boolAttr(el *XmlElementStart, name string) bool {
	a := doc.findAttr(el, name)
	return a != nil && a.Data != 0
}

// placeholderManifestInfo is the degraded fact set used when the manifest
// cannot be parsed at all.
func placeholderManifestInfo() *ManifestInfo {
	return &ManifestInfo{
		Package:     "unknown",
		VersionName: "unknown",
	}
}
