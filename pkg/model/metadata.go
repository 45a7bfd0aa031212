package model

import "maps"

// Metadata is the producer-supplied context carried through every tier. Well known keys are
// lifted into fields; anything else stays in Extra.
type Metadata struct {
	Source   string            `json:"source,omitempty"`
	Industry string            `json:"industry,omitempty"`
	Host     string            `json:"host,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// NewMetadata builds Metadata from a flat key/value map as sent by producers
func NewMetadata(kv map[string]string) Metadata {
	var md Metadata
	for k, v := range kv {
		switch k {
		case "source":
			md.Source = v
		case "industry":
			md.Industry = v
		case "host":
			md.Host = v
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]string)
			}
			md.Extra[k] = v
		}
	}
	return md
}

// Merge returns a copy of md overlaid with the non-empty values of other.
func (md Metadata) Merge(other Metadata) Metadata {
	merged := Metadata{
		Source:   md.Source,
		Industry: md.Industry,
		Host:     md.Host,
	}
	if other.Source != "" {
		merged.Source = other.Source
	}
	if other.Industry != "" {
		merged.Industry = other.Industry
	}
	if other.Host != "" {
		merged.Host = other.Host
	}

	if len(md.Extra)+len(other.Extra) > 0 {
		merged.Extra = make(map[string]string, len(md.Extra)+len(other.Extra))
		maps.Copy(merged.Extra, md.Extra)
		maps.Copy(merged.Extra, other.Extra)
	}
	return merged
}
