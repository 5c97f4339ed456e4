// Command aether-cli is an interactive client for aether-server, connecting
// over RESP2 and offering a readline-style REPL (history, tab completion)
// in place of the teacher's bufio.Scanner loop, grounded on
// calvinalkan-agent-task/cmd/sloty's liner-based REPL.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/jassi-singh/aether-kv/internal/resp"
)

var commands = []string{"get", "set", "del", "help", "exit", "quit"}

func main() {
	host := pflag.String("host", "127.0.0.1", "server host")
	port := pflag.IntP("port", "p", 6379, "server port")
	pflag.Parse()

	addr := fmt.Sprintf("%s:%d", *host, *port)
	client, err := resp.Connect(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aether-cli: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	repl := &REPL{client: client, addr: addr}
	if err := repl.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "aether-cli: %v\n", err)
		os.Exit(1)
	}
}

// REPL is the interactive command loop over a connected resp.Client.
type REPL struct {
	client *resp.Client
	addr   string
	liner  *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aether_cli_history")
}

// Run starts the REPL loop, reading commands until EOF or an exit command.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("aether-kv CLI - connected to %s\n", r.addr)
	fmt.Println("Commands: SET <key> <value>, GET <key>, DEL <key>..., EXIT")

	for {
		line, err := r.liner.Prompt("aether> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("Bye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		switch strings.ToUpper(parts[0]) {
		case "EXIT", "QUIT":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "HELP":
			r.printHelp()
		case "SET":
			r.cmdSet(parts[1:])
		case "GET":
			r.cmdGet(parts[1:])
		case "DEL", "DELETE":
			r.cmdDel(parts[1:])
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", parts[0])
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	var out []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			out = append(out, cmd)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>   Store a value")
	fmt.Println("  get <key>           Retrieve a value")
	fmt.Println("  del <key>...        Delete one or more keys")
	fmt.Println("  help                Show this help")
	fmt.Println("  exit / quit         Exit")
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <key> <value>")
		return
	}
	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := r.client.Set(key, value); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: get <key>")
		return
	}
	value, found, err := r.client.Get(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if !found {
		fmt.Println("(nil)")
		return
	}
	fmt.Printf("%s\n", value)
}

func (r *REPL) cmdDel(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: del <key>...")
		return
	}
	count, err := r.client.Del(args...)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("(integer) %d\n", count)
}
