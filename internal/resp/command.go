package resp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jassi-singh/aether-kv/internal/kv"
)

// Dispatch applies one already-parsed command frame (a RESP Array of
// BulkStrings) against store and returns the reply frame. Unlike
// original_source's async apply() methods, the blocking kv.Store call here
// runs synchronously on the caller's goroutine: in Go's goroutine-per-
// connection server model (see server.go) that already satisfies spec.md
// §9's requirement that a blocking storage call never stalls any other
// connection's I/O, without needing a separate blocking-task runtime.
func Dispatch(store kv.Store, cmd Frame) Frame {
	if cmd.Kind != FrameArray || len(cmd.Array) == 0 {
		return ErrorFrame("ERR invalid command frame")
	}

	args := make([]string, len(cmd.Array))
	for i, f := range cmd.Array {
		if f.Kind != FrameBulkString {
			return ErrorFrame("ERR expected bulk string arguments")
		}
		args[i] = string(f.Bulk)
	}

	switch strings.ToUpper(args[0]) {
	case "GET":
		return dispatchGet(store, args)
	case "SET":
		return dispatchSet(store, args)
	case "DEL":
		return dispatchDel(store, args)
	default:
		return ErrorFrame(fmt.Sprintf("ERR unknown command %q", args[0]))
	}
}

func dispatchGet(store kv.Store, args []string) Frame {
	if len(args) != 2 {
		return ErrorFrame("ERR wrong number of arguments for 'GET'")
	}
	value, err := store.Get(args[1])
	if errors.Is(err, kv.ErrNotFound) {
		return BulkString(nil)
	}
	if err != nil {
		return ErrorFrame("ERR " + err.Error())
	}
	return BulkString(value)
}

func dispatchSet(store kv.Store, args []string) Frame {
	if len(args) != 3 {
		return ErrorFrame("ERR wrong number of arguments for 'SET'")
	}
	if err := store.Set(args[1], []byte(args[2])); err != nil {
		return ErrorFrame("ERR " + err.Error())
	}
	return SimpleString("OK")
}

// dispatchDel accepts one or more keys, per original_source's Del command,
// and returns the count of keys that had a live entry.
func dispatchDel(store kv.Store, args []string) Frame {
	if len(args) < 2 {
		return ErrorFrame("ERR wrong number of arguments for 'DEL'")
	}
	var count int64
	for _, key := range args[1:] {
		existed, err := store.Del(key)
		if err != nil {
			return ErrorFrame("ERR " + err.Error())
		}
		if existed {
			count++
		}
	}
	return Integer(count)
}
