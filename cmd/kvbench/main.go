// Command kvbench runs a YCSB-style load/run benchmark against a shadowkv
// database file. Workload parameters come from a .properties file:
//
//	db.path = bench.db
//	bench.records = 100000
//	bench.ops = 100000
//	bench.value.size = 256
//	bench.batch = 1000
//	bench.read.ratio = 0.95
//	bench.distribution = zipfian
//	bench.zipfian.theta = 0.8
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/magiconair/properties"
	"github.com/pingcap/go-ycsb/pkg/generator"
	"go.uber.org/zap"

	"github.com/oda/shadowkv"
)

// config holds the benchmark parameters parsed from the properties file.
type config struct {
	path         string
	bucket       string
	records      int
	ops          int
	valueSize    int
	batch        int
	readRatio    float64
	distribution string
	theta        float64
	seed         int64
	verbose      bool
}

func loadConfig(path string) config {
	p := properties.MustLoadFile(path, properties.UTF8)
	return config{
		path:         p.GetString("db.path", "bench.db"),
		bucket:       p.GetString("bench.bucket", "bench"),
		records:      p.GetInt("bench.records", 100000),
		ops:          p.GetInt("bench.ops", 100000),
		valueSize:    p.GetInt("bench.value.size", 256),
		batch:        p.GetInt("bench.batch", 1000),
		readRatio:    p.GetFloat64("bench.read.ratio", 0.95),
		distribution: p.GetString("bench.distribution", "zipfian"),
		theta:        p.GetFloat64("bench.zipfian.theta", 0.8),
		seed:         int64(p.GetInt("bench.seed", 1)),
		verbose:      p.GetBool("bench.verbose", false),
	}
}

// keyFor renders a record index as a fixed-width big-endian key so that
// insertion order matches key order.
func keyFor(i int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func main() {
	configPath := flag.String("config", "bench.properties", "benchmark properties file")
	flag.Parse()

	cfg := loadConfig(*configPath)

	logger := zap.NewNop()
	if cfg.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		logger = l
	}

	db, err := shadowkv.Open(cfg.path, &shadowkv.Options{Logger: logger})
	if err != nil {
		log.Fatalf("open %s: %v", cfg.path, err)
	}
	defer db.Close()

	value := make([]byte, cfg.valueSize)
	r := rand.New(rand.NewSource(cfg.seed))
	r.Read(value)

	// Load phase: insert records in batches, one commit per batch.
	start := time.Now()
	for done := 0; done < cfg.records; {
		n := cfg.batch
		if done+n > cfg.records {
			n = cfg.records - done
		}
		err := db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(cfg.bucket)
			if err != nil {
				if b, err = tx.CreateBucket(cfg.bucket); err != nil {
					return err
				}
			}
			for i := 0; i < n; i++ {
				if err := b.Put(keyFor(int64(done+i)), value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Fatalf("load: %v", err)
		}
		done += n
	}
	loadDur := time.Since(start)
	fmt.Printf("load:  %d records in %v (%.0f ops/s)\n",
		cfg.records, loadDur, float64(cfg.records)/loadDur.Seconds())

	// Run phase: mixed reads and writes with the configured key
	// distribution.
	var gen keyGen
	switch cfg.distribution {
	case "uniform":
		gen = generator.NewUniform(0, int64(cfg.records-1))
	default:
		gen = generator.NewZipfianWithRange(0, int64(cfg.records-1), cfg.theta)
	}

	var reads, writes int
	start = time.Now()
	for done := 0; done < cfg.ops; {
		n := cfg.batch
		if done+n > cfg.ops {
			n = cfg.ops - done
		}
		err := db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(cfg.bucket)
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				key := keyFor(gen.Next(r))
				if r.Float64() < cfg.readRatio {
					if _, err := b.Get(key); err != nil {
						return fmt.Errorf("get %x: %w", key, err)
					}
					reads++
				} else {
					if err := b.Put(key, value); err != nil {
						return err
					}
					writes++
				}
			}
			return nil
		})
		if err != nil {
			log.Fatalf("run: %v", err)
		}
		done += n
	}
	runDur := time.Since(start)
	fmt.Printf("run:   %d ops (%d reads, %d writes) in %v (%.0f ops/s)\n",
		cfg.ops, reads, writes, runDur, float64(cfg.ops)/runDur.Seconds())

	stats := db.Stats()
	info, err := os.Stat(cfg.path)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("file:  %d bytes, watermark %d pages, %d free, %d pending\n",
		info.Size(), stats.Watermark, stats.FreePages, stats.PendingPages)
}

// keyGen is the common surface of the go-ycsb generators used here.
type keyGen interface {
	Next(r *rand.Rand) int64
}
