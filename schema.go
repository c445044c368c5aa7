package ownet

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ownet/errors"
)

// loadNode reads one level of a family's structure table and descends
// into advertised sub-directories.
func loadNode(ctx context.Context, srv *Server, family string, sub []string) (*Node, error) {
	node := newNode()

	dirPath := append([]string{"structure", family}, sub...)

	entries, err := srv.Dir(ctx, dirPath...)
	if err != nil {
		return nil, err
	}

	for _, name := range entries {
		attrPath := append(append([]string{}, dirPath...), name)

		raw, err := srv.AttrGet(ctx, attrPath...)
		if errors.IsReply(err, errors.IsDir) {
			child, err := loadNode(ctx, srv, family, append(append([]string{}, sub...), name))
			if err != nil {
				return nil, err
			}

			node.Subs[name] = child

			continue
		}

		if err != nil {
			return nil, err
		}

		base, field, err := parseDescriptor(name, raw, sub)
		if err != nil {
			return nil, err
		}

		if field == nil {
			continue
		}

		node.Fields[base] = field
	}

	return node, nil
}

// parseDescriptor interprets one structure descriptor line:
// type_char,fieldnum,array_len,mode,size,persistence. Only entries with
// fieldnum 0 introduce fields; a .0 or .A suffix marks an indexed
// array on the base name.
func parseDescriptor(name string, raw []byte, sub []string) (string, *Field, error) {
	parts := strings.Split(string(raw), ",")
	if len(parts) < 5 {
		return "", nil, fmt.Errorf("%w: %s = %q", errors.ErrBadStructField, name, raw)
	}

	if len(parts[0]) == 0 {
		return "", nil, fmt.Errorf("%w: %s has empty type", errors.ErrBadStructField, name)
	}

	fieldnum, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s fieldnum %q", errors.ErrBadStructField, name, parts[1])
	}

	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", nil, fmt.Errorf("%w: %s array_len %q", errors.ErrBadStructField, name, parts[2])
	}

	if _, err := strconv.Atoi(parts[4]); err != nil {
		return "", nil, fmt.Errorf("%w: %s size %q", errors.ErrBadStructField, name, parts[4])
	}

	if fieldnum != 0 {
		return "", nil, nil
	}

	mode := parts[3]

	array := ArrayNone
	base := name

	switch {
	case strings.HasSuffix(name, ".0"):
		array = ArrayNumeric
		base = strings.TrimSuffix(name, ".0")
	case strings.HasSuffix(name, ".A"):
		array = ArrayAlpha
		base = strings.TrimSuffix(name, ".A")
	}

	field := &Field{
		Path:     append(append([]string{}, sub...), base),
		Type:     parts[0][0],
		Readable: mode == "ro" || mode == "rw",
		Writable: mode == "wo" || mode == "rw",
		Array:    array,
	}

	return base, field, nil
}

// decodeValue converts raw attribute bytes per the schema type tag.
func decodeValue(typ byte, data []byte) (interface{}, error) {
	text := strings.TrimSpace(string(data))

	switch typ {
	case 'f', 'g', 'p', 't':
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as float", errors.ErrBadStructField, text)
		}

		return v, nil

	case 'i', 'u':
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as int", errors.ErrBadStructField, text)
		}

		return v, nil

	case 'y':
		v, err := strconv.Atoi(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %q as bool", errors.ErrBadStructField, text)
		}

		return v != 0, nil

	case 'b':
		return data, nil

	default:
		return string(data), nil
	}
}

// encodeValue renders a value for the wire per the schema type tag.
func encodeValue(typ byte, value interface{}) []byte {
	switch typ {
	case 'b':
		if b, ok := value.([]byte); ok {
			return b
		}

		return []byte(fmt.Sprintf("%v", value))

	case 'y':
		switch v := value.(type) {
		case bool:
			if v {
				return []byte("1")
			}

			return []byte("0")
		default:
			return formatValue(value)
		}

	default:
		return formatValue(value)
	}
}

// formatValue renders an untyped attribute value the way ownerver
// expects it: raw bytes pass through, booleans become 1/0, everything
// else prints in its natural decimal form.
func formatValue(value interface{}) []byte {
	switch v := value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("1")
		}

		return []byte("0")
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
