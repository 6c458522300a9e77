package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/lrita/cache"
	"github.com/lrita/kvadapter"
	"github.com/lrita/kvadapter/internal/measure"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func fatalf(f string, v ...interface{}) {
	fmt.Printf(f, v...)
	fmt.Println()
	os.Exit(-1)
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	gencache cache.BufCache
)

func genbytes(length int) []byte {
	b := gencache.Get()
	if cap(b) < length {
		b = make([]byte, length)
	}
	b = b[:length]
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return b
}

func genrecord(fields, length int) kvadapter.Record {
	r := make(kvadapter.Record, fields)
	for i := 0; i < fields; i++ {
		r[fmt.Sprintf("field%d", i)] = genbytes(length)
	}
	return r
}

// putrecord hands the field buffers of r back to gencache. Insert encodes
// the record into its own buffer, so they are free once it returns.
func putrecord(r kvadapter.Record) {
	for _, v := range r {
		gencache.Put(v)
	}
}

func userkey(i int) string {
	return fmt.Sprintf("user%012d", i)
}

func cleanall() {
	if runtime.GOOS == "linux" {
		os.WriteFile("/proc/sys/vm/drop_caches", []byte{'3'}, 0644)
	}
	runtime.GC()
	runtime.GC()
}

type params struct {
	records  int
	fields   int
	fieldLen int
	threads  int
	scanLen  int
}

// partition runs fn over [0, n) split across threads workers.
func partition(n, threads int, fn func(i int) error) error {
	var g errgroup.Group
	per := (n + threads - 1) / threads
	for w := 0; w < threads; w++ {
		lo, hi := w*per, min((w+1)*per, n)
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func run(cfg kvadapter.Config, p params, log *zap.Logger) error {
	db, err := kvadapter.Open(cfg, kvadapter.WithLogger(log))
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	m := measure.New()
	table := cfg.Collection

	begin := time.Now()
	err = partition(p.records, p.threads, func(i int) error {
		t := time.Now()
		r := genrecord(p.fields, p.fieldLen)
		err := db.Insert(table, userkey(i), r)
		m.Observe("insert", kvadapter.StatusOf(err).String(), t)
		putrecord(r)
		return errors.Annotatef(err, "insert %d", i)
	})
	if err != nil {
		return err
	}
	load := time.Since(begin)

	cleanall()

	begin = time.Now()
	err = partition(p.records, p.threads, func(i int) error {
		t := time.Now()
		_, err := db.Read(table, userkey(rand.IntN(p.records)), nil)
		m.Observe("read", kvadapter.StatusOf(err).String(), t)
		if kvadapter.StatusOf(err) == kvadapter.StatusError {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	read := time.Since(begin)

	begin = time.Now()
	scans := max(p.records/p.scanLen, 1)
	err = partition(scans, p.threads, func(i int) error {
		t := time.Now()
		_, err := db.Scan(table, userkey(rand.IntN(p.records)), p.scanLen, nil)
		m.Observe("scan", kvadapter.StatusOf(err).String(), t)
		return err
	})
	if err != nil {
		return err
	}
	scan := time.Since(begin)

	fmt.Printf("%v sync(%v) defer(%v): load %s, read %s, scan %s\n",
		cfg.Engine, cfg.SyncPolicy, cfg.DeferWrites, load, read, scan)
	return m.Report(os.Stdout)
}

func main() {
	var (
		engines  = flag.String("engines", strings.Join(kvadapter.Engines(), ","), "comma separated engines to test")
		config   = flag.String("config", "", "YAML configuration file")
		base     = flag.String("base_path", "", "base directory, overrides the configured path")
		records  = flag.Int("records", 100000, "number of records to load")
		fields   = flag.Int("fields", 10, "fields per record")
		fieldLen = flag.Int("field_len", 100, "field value length")
		threads  = flag.Int("threads", runtime.GOMAXPROCS(0), "concurrent workers")
		scanLen  = flag.Int("scan_len", 100, "records per scan")
	)

	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fatalf("init logger: %v", err)
	}
	defer log.Sync()

	cfg, err := kvadapter.LoadConfig(*config)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if *base != "" {
		cfg.Path = *base
	}
	if *records <= 0 || *threads <= 0 || *scanLen <= 0 {
		fatalf("records, threads and scan_len must be positive")
	}
	p := params{
		records:  *records,
		fields:   *fields,
		fieldLen: *fieldLen,
		threads:  *threads,
		scanLen:  *scanLen,
	}

	root := cfg.Path
	for _, name := range strings.Split(*engines, ",") {
		c := cfg
		c.Engine = strings.TrimSpace(name)
		c.Path = filepath.Join(root, c.Engine)
		os.RemoveAll(c.Path)
		if err := run(c, p, log); err != nil {
			fatalf("test %v sync(%v) failed: %v", c.Engine, c.SyncPolicy, err)
		}
		cleanall()
	}
}
