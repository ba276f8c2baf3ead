package merger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/schema"
)

// ParquetMerger merges parquet files with a k-way row-group merge sorted on
// the timestamp column. Inputs are written time-sorted by ingestion and by
// previous compactions, which is what keeps the merge a streaming pass.
type ParquetMerger struct{}

func NewParquetMerger() *ParquetMerger {
	return &ParquetMerger{}
}

func (m *ParquetMerger) Merge(ctx context.Context, req Request) ([]Output, error) {
	if len(req.Inputs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files := make([]*parquet.File, len(req.Inputs))
	for i, in := range req.Inputs {
		pf, err := parquet.OpenFile(bytes.NewReader(in.Data), int64(len(in.Data)))
		if err != nil {
			return nil, fmt.Errorf("open parquet %s: %w", in.Key, err)
		}
		files[i] = pf
	}

	sch, err := buildSchema(req.LatestFields, files, req.DefinedFields, req.Downsampling != nil)
	if err != nil {
		return nil, err
	}
	tsIdx := columnIndex(sch, TimestampField)
	if tsIdx < 0 {
		return nil, fmt.Errorf("schema has no %s column", TimestampField)
	}

	var groups []parquet.RowGroup
	for i, pf := range files {
		conv, err := parquet.Convert(sch, pf.Schema())
		if err != nil {
			return nil, fmt.Errorf("convert schema of %s: %w", req.Inputs[i].Key, err)
		}
		for _, rg := range pf.RowGroups() {
			groups = append(groups, parquet.ConvertRowGroup(rg, conv))
		}
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("inputs contain no row groups")
	}

	merged, err := parquet.MergeRowGroups(groups, sch,
		parquet.SortingRowGroupConfig(parquet.SortingColumns(parquet.Ascending(TimestampField))))
	if err != nil {
		return nil, fmt.Errorf("merge row groups: %w", err)
	}

	var out Output
	if req.Downsampling != nil {
		out, err = writeDownsampled(merged, sch, req.Downsampling, tsIdx)
	} else {
		out, err = writeMerged(merged, sch, tsIdx)
	}
	if err != nil {
		return nil, err
	}
	out.Fields = fieldNames(sch)
	return []Output{out}, nil
}

// buildSchema unions the registry's latest fields with whatever columns the
// input files carry, then applies the defined-fields projection. Every
// column except the timestamp is optional so files missing it convert to
// nulls.
func buildSchema(latest []schema.Field, files []*parquet.File, defined []string, downsampling bool) (*parquet.Schema, error) {
	nodes := parquet.Group{}
	nodes[TimestampField] = parquet.Int(64)

	for _, f := range latest {
		if f.Name == TimestampField {
			continue
		}
		nodes[f.Name] = parquet.Optional(nodeForType(f.Type))
	}
	for _, pf := range files {
		for _, field := range pf.Schema().Fields() {
			name := field.Name()
			if _, ok := nodes[name]; ok || name == TimestampField {
				continue
			}
			var node parquet.Node = field
			if !field.Optional() {
				node = parquet.Optional(field)
			}
			nodes[name] = node
		}
	}

	if len(defined) > 0 {
		keep := map[string]bool{TimestampField: true}
		for _, name := range defined {
			keep[name] = true
		}
		if downsampling {
			keep[ValueField] = true
		}
		for name := range nodes {
			if !keep[name] {
				delete(nodes, name)
			}
		}
	}

	if downsampling {
		if node, ok := nodes[ValueField]; ok {
			double := parquet.Leaf(parquet.DoubleType)
			if node.Optional() {
				nodes[ValueField] = parquet.Optional(double)
			} else {
				nodes[ValueField] = double
			}
		}
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("merged schema has no columns")
	}
	return parquet.NewSchema("", nodes), nil
}

func columnIndex(sch *parquet.Schema, name string) int {
	for i, f := range sch.Fields() {
		if f.Name() == name {
			return i
		}
	}
	return -1
}

func fieldNames(sch *parquet.Schema) []string {
	fields := sch.Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name())
	}
	return names
}

// statsReader tracks row count and timestamp bounds of everything read
// through it.
type statsReader struct {
	src     parquet.RowReader
	tsCol   int
	records int64
	min     int64
	max     int64
}

func (r *statsReader) ReadRows(rows []parquet.Row) (int, error) {
	n, err := r.src.ReadRows(rows)
	for _, row := range rows[:n] {
		for _, v := range row {
			if v.Column() == r.tsCol && !v.IsNull() {
				ts := v.Int64()
				if r.records == 0 || ts < r.min {
					r.min = ts
				}
				if ts > r.max {
					r.max = ts
				}
			}
		}
		r.records++
	}
	return n, err
}

func writeMerged(merged parquet.RowGroup, sch *parquet.Schema, tsIdx int) (Output, error) {
	buf := new(bytes.Buffer)
	writer := parquet.NewGenericWriter[any](buf, sch,
		parquet.Compression(&parquet.Zstd),
		parquet.SortingWriterConfig(parquet.SortingColumns(parquet.Ascending(TimestampField))))

	rows := merged.Rows()
	defer rows.Close()

	stats := &statsReader{src: rows, tsCol: tsIdx}
	if _, err := parquet.CopyRows(writer, stats); err != nil {
		return Output{}, fmt.Errorf("copy rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Output{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return Output{
		Data:    buf.Bytes(),
		Records: stats.records,
		MinTS:   stats.min,
		MaxTS:   stats.max,
	}, nil
}

// bucketAcc folds the samples of one label set inside one bucket.
type bucketAcc struct {
	labels   string
	bucket   int64
	template parquet.Row
	sum      float64
	min      float64
	max      float64
	last     float64
	count    int64
}

func (a *bucketAcc) result(fn AggFunction) float64 {
	switch fn {
	case AggSum:
		return a.sum
	case AggMin:
		return a.min
	case AggMax:
		return a.max
	case AggLast:
		return a.last
	default:
		return a.sum / float64(a.count)
	}
}

func bucketStart(ts, step int64) int64 {
	r := ts % step
	if r < 0 {
		r += step
	}
	return ts - r
}

func writeDownsampled(merged parquet.RowGroup, sch *parquet.Schema, ds *Downsampling, tsIdx int) (Output, error) {
	if ds.Step <= 0 {
		return Output{}, fmt.Errorf("downsampling step must be positive, got %d", ds.Step)
	}
	valIdx := columnIndex(sch, ValueField)
	if valIdx < 0 {
		return Output{}, fmt.Errorf("downsampling requires a %s column", ValueField)
	}
	valOptional := sch.Fields()[valIdx].Optional()
	stepMicros := ds.Step * 1_000_000

	rows := merged.Rows()
	defer rows.Close()

	acc := make(map[string]*bucketAcc)
	rowBuf := make([]parquet.Row, 64)
	for {
		n, readErr := rows.ReadRows(rowBuf)
		for _, row := range rowBuf[:n] {
			var ts int64
			tsSeen := false
			var val float64
			valNull := true
			var labels strings.Builder
			for _, v := range row {
				switch v.Column() {
				case tsIdx:
					if !v.IsNull() {
						ts = v.Int64()
						tsSeen = true
					}
				case valIdx:
					if !v.IsNull() {
						f, err := numericValue(v)
						if err != nil {
							return Output{}, err
						}
						val = f
						valNull = false
					}
				default:
					labels.WriteString(v.String())
					labels.WriteByte('|')
				}
			}
			if !tsSeen {
				continue
			}

			bucket := bucketStart(ts, stepMicros)
			key := strconv.FormatInt(bucket, 10) + "|" + labels.String()
			a, ok := acc[key]
			if !ok {
				a = &bucketAcc{labels: labels.String(), bucket: bucket, template: row.Clone()}
				acc[key] = a
			}
			if !valNull {
				if a.count == 0 {
					a.min, a.max = val, val
				} else {
					if val < a.min {
						a.min = val
					}
					if val > a.max {
						a.max = val
					}
				}
				a.sum += val
				a.last = val
				a.count++
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Output{}, fmt.Errorf("read rows: %w", readErr)
		}
		if n == 0 {
			break
		}
	}

	buckets := make([]*bucketAcc, 0, len(acc))
	for _, a := range acc {
		buckets = append(buckets, a)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].bucket != buckets[j].bucket {
			return buckets[i].bucket < buckets[j].bucket
		}
		return buckets[i].labels < buckets[j].labels
	})

	valDef := 0
	if valOptional {
		valDef = 1
	}
	outRows := make([]parquet.Row, 0, len(buckets))
	for _, a := range buckets {
		row := a.template
		row = setColumn(row, tsIdx, parquet.Int64Value(a.bucket).Level(0, 0, tsIdx))
		if a.count > 0 {
			row = setColumn(row, valIdx, parquet.DoubleValue(a.result(ds.Function)).Level(0, valDef, valIdx))
		}
		outRows = append(outRows, row)
	}

	buf := new(bytes.Buffer)
	writer := parquet.NewGenericWriter[any](buf, sch,
		parquet.Compression(&parquet.Zstd),
		parquet.SortingWriterConfig(parquet.SortingColumns(parquet.Ascending(TimestampField))))
	if len(outRows) > 0 {
		if _, err := writer.WriteRows(outRows); err != nil {
			return Output{}, fmt.Errorf("write downsampled rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Output{}, fmt.Errorf("close parquet writer: %w", err)
	}

	out := Output{Data: buf.Bytes(), Records: int64(len(outRows))}
	if len(buckets) > 0 {
		out.MinTS = buckets[0].bucket
		out.MaxTS = buckets[len(buckets)-1].bucket
	}
	return out, nil
}

func setColumn(row parquet.Row, col int, v parquet.Value) parquet.Row {
	for i := range row {
		if row[i].Column() == col {
			row[i] = v
			break
		}
	}
	return row
}

func numericValue(v parquet.Value) (float64, error) {
	switch v.Kind() {
	case parquet.Int32:
		return float64(v.Int32()), nil
	case parquet.Int64:
		return float64(v.Int64()), nil
	case parquet.Float:
		return float64(v.Float()), nil
	case parquet.Double:
		return v.Double(), nil
	default:
		return 0, fmt.Errorf("value column kind %s is not numeric", v.Kind())
	}
}
