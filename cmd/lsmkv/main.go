// Command lsmkv is the command-line front end of the store.
//
//	lsmkv -dir DIR put <key> <value>
//	lsmkv -dir DIR rm <key>
//	lsmkv -dir DIR scan <key1> [<key2>]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"lsmkv/pkg/store"
)

func main() {
	dir := flag.String("dir", "./data", "store directory")
	flag.Parse()
	args := flag.Args()

	// The CLI is quiet unless something goes wrong.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	if err := run(*dir, args); err != nil {
		fmt.Fprintln(os.Stderr, "lsmkv:", err)
		os.Exit(1)
	}
}

func run(dir string, args []string) error {
	s, err := store.Open(store.DefaultOptions(dir))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			slog.Warn("failed to close store", "error", cerr)
		}
	}()

	switch args[0] {
	case "put":
		if len(args) != 3 {
			usage()
			os.Exit(2)
		}
		_, _, err = s.Insert([]byte(args[1]), []byte(args[2]))
		return err

	case "rm":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		// Removing an absent key still exits 0.
		_, _, err = s.Delete([]byte(args[1]))
		return err

	case "scan":
		if len(args) != 2 && len(args) != 3 {
			usage()
			os.Exit(2)
		}
		var hi []byte
		if len(args) == 3 {
			hi = []byte(args[2])
		}
		it, err := s.Scan([]byte(args[1]), hi)
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		}
		return it.Err()

	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  lsmkv [-dir DIR] put <key> <value>
  lsmkv [-dir DIR] rm <key>
  lsmkv [-dir DIR] scan <key1> [<key2>]`)
}
