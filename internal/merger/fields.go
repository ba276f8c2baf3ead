package merger

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
)

// FileFields reads the schema embedded in a parquet file.
func FileFields(data []byte) ([]schema.Field, error) {
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	fields := pf.Schema().Fields()
	out := make([]schema.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, schema.Field{Name: f.Name(), Type: typeName(f)})
	}
	return out, nil
}

func nodeForType(t string) parquet.Node {
	switch t {
	case "utf8", "string":
		return parquet.String()
	case "int32":
		return parquet.Int(32)
	case "int64":
		return parquet.Int(64)
	case "uint32":
		return parquet.Uint(32)
	case "uint64":
		return parquet.Uint(64)
	case "float", "float32":
		return parquet.Leaf(parquet.FloatType)
	case "float64", "double":
		return parquet.Leaf(parquet.DoubleType)
	case "bool", "boolean":
		return parquet.Leaf(parquet.BooleanType)
	case "bytes":
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.String()
	}
}

func typeName(node parquet.Node) string {
	t := node.Type()
	switch t.Kind() {
	case parquet.Boolean:
		return "boolean"
	case parquet.Int32:
		return "int32"
	case parquet.Int64:
		return "int64"
	case parquet.Float:
		return "float32"
	case parquet.Double:
		return "float64"
	case parquet.ByteArray, parquet.FixedLenByteArray:
		if lt := t.LogicalType(); lt != nil && lt.UTF8 != nil {
			return "utf8"
		}
		return "bytes"
	default:
		return t.String()
	}
}
