package flow

import (
	"sort"
	"strconv"
	"strings"
)

// Props is a flat string property bag.
// Readers fall back to the supplied default when a key is missing or cannot be parsed.
type Props map[string]string

// Merge returns a new Props containing every layer, later layers overriding earlier ones.
func Merge(layers ...Props) Props {
	merged := Props{}
	for _, l := range layers {
		for k, v := range l {
			merged[k] = v
		}
	}
	return merged
}

func (p Props) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Props) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Props) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (p Props) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// WithPrefix returns the subset of properties whose keys start with prefix, keys unchanged.
func (p Props) WithPrefix(prefix string) Props {
	sub := Props{}
	for k, v := range p {
		if strings.HasPrefix(k, prefix) {
			sub[k] = v
		}
	}
	return sub
}

// Keys returns the keys in sorted order.
func (p Props) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Props) Clone() Props {
	return Merge(p)
}
