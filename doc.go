/*
Package iterflow streams large data files through pull-based sequences without loading them into memory.

Every stage consumes and produces an iter.Seq2[T, error]. A source error is yielded once as
(zero, err) and ends the sequence. Sequences are lazy: nothing is opened before the first
pull, and stopping a range loop early releases every file handle, goroutine and temporary
file the stage holds.

# Stages

  - Decode and Bridge turn a push-style decoder into a sequence. A bounded queue pauses the
    byte source when the consumer falls behind.
  - WriteTo and Write drain a sequence into a file in batches. The file is opened on the first
    item and always finalized.
  - Cache persists a sequence in a folder and replays it on the next run with the same shape.
  - GroupBy groups an unbounded sequence by key through a spill file.
  - TrailingGroupBy and TrailingMap are memory-resident variants bounded by item count and
    concurrency.

# Basic Usage

Decoding a CSV file, caching it and writing groups to JSON:

	fs := afero.NewOsFs()
	rows, err := iterflow.Decode(ctx, iterflow.OpenFile(fs, "sales.csv"), csvio.NewDecoder(csvio.Options{}))
	if err != nil {
	    log.Fatal(err)
	}

	shape := iterflow.NewShape().Stage("csv", "sales.csv").Version("1").Build()
	cached, err := iterflow.Cache(rows, ".cache/sales", shape, iterflow.WithChunkSize(1000))
	if err != nil {
	    log.Fatal(err)
	}

	groups, err := iterflow.GroupBy(cached, func(r csvio.Row) string { return r["region"] })
	if err != nil {
	    log.Fatal(err)
	}

	n, err := iterflow.Write(groups, iterflow.FileDestination(fs, "out.json", iterflow.Overwrite),
	    iterflow.NewJSONArrayEncoder[iterflow.Group[csvio.Row]](nil))

# Cache Folder Layout

	.cache/sales/
	├── .lock          (present while a build runs)
	├── _meta.json     (written last)
	├── cache-0.json
	└── cache-1.json   (or a single cache.json without WithChunkSize)

# Error Handling

Stage constructors validate their arguments before any I/O and return a *ConfigError.
Failures while iterating are yielded as *SourceError or, for a damaged spill file,
*GroupReplayError. A damaged cache folder is rebuilt silently.
*/
package iterflow
