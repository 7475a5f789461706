package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gophersatwork/iterflow"
	"github.com/gophersatwork/iterflow/formats"
	"github.com/gophersatwork/iterflow/formats/csvio"
	"github.com/gophersatwork/iterflow/formats/jsonio"
	"github.com/gophersatwork/iterflow/formats/lineio"
	"github.com/gophersatwork/iterflow/formats/xmlio"
	"github.com/gophersatwork/iterflow/internal/config"
	"github.com/gophersatwork/iterflow/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// pipelineVersion is part of every cache shape; bump it when record conversion changes.
const pipelineVersion = "1"

// record is the format-neutral shape every input is converted to.
type record = map[string]any

func run(ctx context.Context, fsys afero.Fs, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (int, error) {
	inFormat, err := inputFormat(fsys, cfg)
	if err != nil {
		return 0, err
	}
	outFormat, err := outputFormat(cfg)
	if err != nil {
		return 0, err
	}
	logger.Info("Starting pipeline",
		zap.String("input", cfg.Input),
		zap.String("input_format", string(inFormat)),
		zap.String("output", cfg.Output),
		zap.String("output_format", string(outFormat)),
	)

	common := []iterflow.Option{
		iterflow.WithFs(fsys),
		iterflow.WithLogger(logger),
		iterflow.WithBatchSize(cfg.BatchSize),
		iterflow.WithWatermark(cfg.Watermark),
	}
	stage := func(name string) []iterflow.Option {
		return append(slices.Clone(common), iterflow.WithProgress(progressFunc(name, logger, m), cfg.Interval()))
	}

	records, err := readRecords(ctx, fsys, cfg, inFormat, stage("decode")...)
	if err != nil {
		return 0, err
	}

	if cfg.Cache.Dir != "" {
		shape := iterflow.NewShape().
			Stage("decode", inFormat, cfg.JSONPath, cfg.XMLTag, cfg.Delimiter).
			File(cfg.Input).
			Version(pipelineVersion).
			Build()

		opts := append(stage("cache"), iterflow.WithChunkSize(cfg.Cache.ChunkSize))
		if cfg.Cache.ReferenceID != "" {
			opts = append(opts, iterflow.WithReferenceID(cfg.Cache.ReferenceID))
		}
		records, err = iterflow.Cache(records, cfg.Cache.Dir, shape, opts...)
		if err != nil {
			return 0, err
		}
	}

	if cfg.Group.Field != "" {
		records, err = groupRecords(records, cfg, logger, m, common)
		if err != nil {
			return 0, err
		}
	}

	return writeRecords(records, fsys, cfg, outFormat, stage("write"))
}

func inputFormat(fsys afero.Fs, cfg *config.Config) (formats.Format, error) {
	if cfg.InputFormat != "" {
		return formats.ParseFormat(cfg.InputFormat)
	}
	return formats.Detect(fsys, cfg.Input)
}

func outputFormat(cfg *config.Config) (formats.Format, error) {
	if cfg.OutputFormat != "" {
		return formats.ParseFormat(cfg.OutputFormat)
	}
	if f, ok := formats.FromPath(cfg.Output); ok {
		return f, nil
	}
	return formats.JSON, nil
}

func progressFunc(stage string, logger *zap.Logger, m *metrics.Metrics) iterflow.ProgressFunc {
	var export iterflow.ProgressFunc
	if m != nil {
		export = m.Progress(stage)
	}
	return func(s iterflow.Snapshot) {
		logger.Info(s.String(), zap.String("stage", stage))
		if export != nil {
			export(s)
		}
	}
}

func readRecords(ctx context.Context, fsys afero.Fs, cfg *config.Config, format formats.Format, opts ...iterflow.Option) (iter.Seq2[record, error], error) {
	open := formats.Open(fsys, cfg.Input, formats.WithCharsetDetection())

	switch format {
	case formats.CSV:
		comma, _ := firstRune(cfg.Delimiter)
		rows, err := csvio.Read(ctx, open, csvio.Options{Comma: comma, TrimHeaders: true, LazyQuotes: true}, opts...)
		if err != nil {
			return nil, err
		}
		return mapSeq(rows, func(r csvio.Row) record {
			out := make(record, len(r))
			for k, v := range r {
				out[k] = v
			}
			return out
		}), nil

	case formats.JSON:
		pattern := cfg.JSONPath
		if pattern == "" {
			pattern = "*"
		}
		values, err := jsonio.Read[any](ctx, open, jsonio.Options{Pattern: pattern}, opts...)
		if err != nil {
			return nil, err
		}
		return mapSeq(values, func(v any) record {
			if r, ok := v.(map[string]any); ok {
				return r
			}
			return record{"value": v}
		}), nil

	case formats.XML:
		nodes, err := xmlio.Read(ctx, open, cfg.XMLTag, opts...)
		if err != nil {
			return nil, err
		}
		return mapSeq(nodes, nodeRecord), nil

	case formats.Lines:
		lines, err := lineio.Read(ctx, open, "\n", opts...)
		if err != nil {
			return nil, err
		}
		return mapSeq(lines, func(s string) record {
			return record{"line": strings.TrimSuffix(s, "\r")}
		}), nil
	}
	return nil, fmt.Errorf("unsupported input format %q", format)
}

// groupRecords turns every group into one record {key, count, items}.
func groupRecords(records iter.Seq2[record, error], cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, common []iterflow.Option) (iter.Seq2[record, error], error) {
	field := cfg.Group.Field
	keyFn := func(r record) string { return fieldString(r[field]) }

	var groups iter.Seq2[iterflow.Group[record], error]
	var err error
	if cfg.Group.MaxItemsInMemory > 0 {
		groups, err = iterflow.TrailingGroupBy(records, keyFn, cfg.Group.MaxGroupSize, cfg.Group.MaxItemsInMemory)
	} else {
		opts := append(slices.Clone(common), iterflow.WithGroupProgress(groupProgressFunc(logger, m), 0))
		if cfg.Group.TempDir != "" {
			opts = append(opts, iterflow.WithTempDir(cfg.Group.TempDir))
		}
		if cfg.Group.Compress {
			opts = append(opts, iterflow.WithSpillCompression())
		}
		groups, err = iterflow.GroupBy(records, keyFn, opts...)
	}
	if err != nil {
		return nil, err
	}

	return mapSeq(groups, func(g iterflow.Group[record]) record {
		items := make([]any, len(g.Items))
		for i, item := range g.Items {
			items[i] = item
		}
		return record{field: g.Key, "count": len(g.Items), "items": items}
	}), nil
}

func groupProgressFunc(logger *zap.Logger, m *metrics.Metrics) iterflow.GroupProgressFunc {
	var export iterflow.GroupProgressFunc
	if m != nil {
		export = m.GroupProgress("group")
	}
	return func(s iterflow.GroupSnapshot) {
		logger.Info(s.String(), zap.String("stage", "group"))
		if export != nil {
			export(s)
		}
	}
}

func writeRecords(records iter.Seq2[record, error], fsys afero.Fs, cfg *config.Config, format formats.Format, opts []iterflow.Option) (int, error) {
	dest := iterflow.FileDestination(fsys, cfg.Output, iterflow.Overwrite)
	if cfg.Output == "" || cfg.Output == "-" {
		dest = stdoutDestination
	}

	switch format {
	case formats.CSV:
		comma, _ := firstRune(cfg.Delimiter)
		rows := mapSeq(records, func(r record) csvio.Row {
			row := make(csvio.Row, len(r))
			for k, v := range r {
				row[k] = fieldString(v)
			}
			return row
		})
		return csvio.Write(rows, dest, csvio.EncoderOptions{Comma: comma}, opts...)

	case formats.JSON:
		return jsonio.Write(records, dest, opts...)

	case formats.XML:
		return xmlio.Write(mapSeq(records, func(r record) xmlio.Node { return recordNode("item", r) }), dest, opts...)

	case formats.Lines:
		return lineio.Write(mapSeq(records, recordLine), dest, opts...)
	}
	return 0, fmt.Errorf("unsupported output format %q", format)
}

func stdoutDestination() (io.WriteCloser, error) {
	return nopCloser{os.Stdout}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// mapSeq applies fn to every element of src.
func mapSeq[T, R any](src iter.Seq2[T, error], fn func(T) R) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		for item, err := range src {
			if err != nil {
				var zero R
				yield(zero, err)
				return
			}
			if !yield(fn(item), nil) {
				return
			}
		}
	}
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// fieldString renders a record value as text. Nested values become JSON.
func fieldString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		s, err := sonic.ConfigStd.MarshalToString(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return s
	default:
		return fmt.Sprint(v)
	}
}

// nodeRecord flattens an XML element: attributes become "@name" keys, leaf
// children become plain keys and the element text becomes "#text".
// Repeated children keep the last one.
func nodeRecord(n xmlio.Node) record {
	r := make(record, len(n.Attrs)+len(n.Children)+1)
	for k, v := range n.Attrs {
		r["@"+k] = v
	}
	if n.Text != "" {
		r["#text"] = n.Text
	}
	for _, c := range n.Children {
		if len(c.Children) == 0 && len(c.Attrs) == 0 {
			r[c.Name] = c.Text
		} else {
			r[c.Name] = nodeRecord(c)
		}
	}
	return r
}

// recordNode is the inverse of nodeRecord. Keys are written in sorted order.
func recordNode(name string, r record) xmlio.Node {
	n := xmlio.Node{Name: name}
	for _, k := range slices.Sorted(maps.Keys(r)) {
		v := r[k]
		switch {
		case k == "#text":
			n.Text = fieldString(v)
		case strings.HasPrefix(k, "@"):
			if n.Attrs == nil {
				n.Attrs = make(map[string]string)
			}
			n.Attrs[k[1:]] = fieldString(v)
		default:
			n.Children = append(n.Children, valueNode(k, v))
		}
	}
	return n
}

func valueNode(name string, v any) xmlio.Node {
	switch v := v.(type) {
	case map[string]any:
		return recordNode(name, v)
	case []any:
		n := xmlio.Node{Name: name}
		for _, item := range v {
			n.Children = append(n.Children, valueNode("item", item))
		}
		return n
	default:
		return xmlio.Node{Name: name, Text: fieldString(v)}
	}
}

// recordLine writes a line record back as its text and anything else as JSON.
func recordLine(r record) string {
	if s, ok := r["line"].(string); ok && len(r) == 1 {
		return s
	}
	return fieldString(r)
}
