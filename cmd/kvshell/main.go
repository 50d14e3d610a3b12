// Command kvshell is an interactive shell over a shadowkv database file.
//
// Usage:
//
//	kvshell -db data.db [-config shell.properties]
//
// The optional properties file tunes the engine:
//
//	db.pagesize = 4096
//	db.cache.bytes = 16777216
//	db.log = true
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/magiconair/properties"
	"go.uber.org/zap"

	"github.com/oda/shadowkv"
)

func main() {
	path := flag.String("db", "data.db", "database file")
	configPath := flag.String("config", "", "optional properties file")
	flag.Parse()

	opts := &shadowkv.Options{}
	if *configPath != "" {
		p := properties.MustLoadFile(*configPath, properties.UTF8)
		opts.PageSize = p.GetInt("db.pagesize", 0)
		opts.NodeCacheBytes = int64(p.GetInt("db.cache.bytes", 16<<20))
		if p.GetBool("db.log", false) {
			l, err := zap.NewDevelopment()
			if err != nil {
				log.Fatal(err)
			}
			opts.Logger = l
		}
	}

	db, err := shadowkv.Open(*path, opts)
	if err != nil {
		log.Fatalf("open %s: %v", *path, err)
	}
	defer db.Close()

	fmt.Printf("shadowkv shell — %s (type 'help')\n", *path)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			break
		}
		if err := run(db, args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func run(db *shadowkv.DB, args []string) error {
	switch args[0] {
	case "help":
		fmt.Print(`commands:
  buckets                 list buckets
  create <bucket>         create a bucket
  drop <bucket>           delete a bucket and its keys
  put <bucket> <k> <v>    store a value
  get <bucket> <k>        read a value
  del <bucket> <k>        delete a key
  list <bucket> [prefix]  iterate keys in order
  stats                   engine counters
  exit
`)
		return nil

	case "buckets":
		return db.View(func(tx *shadowkv.Tx) error {
			return tx.ForEachBucket(func(name string) error {
				fmt.Println(name)
				return nil
			})
		})

	case "create":
		if len(args) != 2 {
			return fmt.Errorf("usage: create <bucket>")
		}
		return db.Update(func(tx *shadowkv.Tx) error {
			_, err := tx.CreateBucket(args[1])
			return err
		})

	case "drop":
		if len(args) != 2 {
			return fmt.Errorf("usage: drop <bucket>")
		}
		return db.Update(func(tx *shadowkv.Tx) error {
			return tx.DeleteBucket(args[1])
		})

	case "put":
		if len(args) != 4 {
			return fmt.Errorf("usage: put <bucket> <key> <value>")
		}
		return db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(args[1])
			if err != nil {
				return err
			}
			return b.Put([]byte(args[2]), []byte(args[3]))
		})

	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: get <bucket> <key>")
		}
		return db.View(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(args[1])
			if err != nil {
				return err
			}
			v, err := b.Get([]byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", v)
			return nil
		})

	case "del":
		if len(args) != 3 {
			return fmt.Errorf("usage: del <bucket> <key>")
		}
		return db.Update(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(args[1])
			if err != nil {
				return err
			}
			return b.Delete([]byte(args[2]))
		})

	case "list":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: list <bucket> [prefix]")
		}
		prefix := ""
		if len(args) == 3 {
			prefix = args[2]
		}
		return db.View(func(tx *shadowkv.Tx) error {
			b, err := tx.GetBucket(args[1])
			if err != nil {
				return err
			}
			c := b.Cursor()
			k, v, err := c.Seek([]byte(prefix))
			for ; k != nil && err == nil; k, v, err = c.Next() {
				if prefix != "" && !strings.HasPrefix(string(k), prefix) {
					break
				}
				fmt.Printf("%s = %s\n", k, v)
			}
			return err
		})

	case "stats":
		s := db.Stats()
		fmt.Printf("txid=%d open=%d readers=%d free=%d pending=%d watermark=%d pagesize=%d\n",
			s.Txid, s.OpenTxs, s.OpenReaders, s.FreePages, s.PendingPages,
			s.Watermark, s.PageSize)
		return nil

	default:
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
}
