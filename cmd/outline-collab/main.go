package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ergochat/readline"

	"github.com/kylephillipsau/outline-workspace/client"
	"github.com/kylephillipsau/outline-workspace/session"
	"github.com/kylephillipsau/outline-workspace/store"
	"github.com/kylephillipsau/outline-workspace/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("open"),
	readline.PcItem("close"),
	readline.PcItem("show"),
	readline.PcItem("set"),
	readline.PcItem("append"),
	readline.PcItem("peers"),

	readline.PcItem("search"),
	readline.PcItem("whoami"),
	readline.PcItem("docs"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

var ErrMissingArg = errors.New("command needs an argument")

type REPL struct {
	hub   *session.Hub
	api   *client.Client
	cache *store.Store
	log   utils.Logger
	rl    *readline.Instance

	mu      sync.Mutex
	current string
	peers   map[string]map[string]bool
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".workspace_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd = line[:ws]
		arg = strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		repl.commandHelp()
	case "open":
		err = repl.commandOpen(arg)
	case "close":
		err = repl.commandClose(arg)
	case "show":
		err = repl.commandShow(arg)
	case "set":
		err = repl.commandSet(arg)
	case "append":
		err = repl.commandAppend(arg)
	case "peers":
		err = repl.commandPeers(arg)
	case "search":
		err = repl.commandSearch(arg)
	case "whoami":
		err = repl.commandWhoami()
	case "docs":
		err = repl.commandDocs()
	case "exit", "quit":
		return io.EOF
	default:
		fmt.Printf("unknown command %q, try help\n", cmd)
	}
	if err == io.EOF {
		return err
	}
	if err != nil {
		fmt.Println(err.Error())
	}
	return nil
}

func (repl *REPL) commandHelp() {
	fmt.Print(`open <doc-id>      connect to a document and follow it
close [doc-id]     stop following a document
show [doc-id]      print the current text (cached if not open)
set <text>         replace the document text
append <text>      append to the document
peers [doc-id]     list users present on the document
search <query>     search the knowledge base
whoami             show who the token belongs to
docs               list locally cached documents
exit               close everything and leave
`)
}

func (repl *REPL) commandOpen(arg string) error {
	if arg == "" {
		return ErrMissingArg
	}
	s, err := repl.hub.Open(context.Background(), session.Config{
		BaseURL:    baseURL,
		Token:      token,
		DocumentID: arg,
		Log:        repl.log,
		Store:      repl.cache,
	})
	if err != nil {
		return err
	}
	repl.mu.Lock()
	repl.current = arg
	repl.peers[arg] = map[string]bool{}
	repl.mu.Unlock()
	go repl.follow(arg, s)
	return nil
}

// follow drains one session's event stream until it ends.
func (repl *REPL) follow(documentID string, s *session.Session) {
	for ev := range s.Events() {
		switch ev.Kind {
		case session.EventStatus:
			fmt.Fprintf(os.Stderr, "%s: %s\n", documentID, ev.State)
		case session.EventText:
			fmt.Fprintf(os.Stderr, "%s: %d chars\n", documentID, len([]rune(ev.Text)))
		case session.EventPeerJoined:
			repl.setPeer(documentID, ev.Peer, true)
			fmt.Fprintf(os.Stderr, "%s: %s joined\n", documentID, ev.Peer)
		case session.EventPeerLeft:
			repl.setPeer(documentID, ev.Peer, false)
			fmt.Fprintf(os.Stderr, "%s: %s left\n", documentID, ev.Peer)
		case session.EventError:
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", documentID, ev.Err)
		}
	}
}

func (repl *REPL) setPeer(documentID, peer string, present bool) {
	repl.mu.Lock()
	defer repl.mu.Unlock()
	set := repl.peers[documentID]
	if set == nil {
		return
	}
	if present {
		set[peer] = true
	} else {
		delete(set, peer)
	}
}

func (repl *REPL) target(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	repl.mu.Lock()
	defer repl.mu.Unlock()
	if repl.current == "" {
		return "", ErrMissingArg
	}
	return repl.current, nil
}

func (repl *REPL) commandClose(arg string) error {
	id, err := repl.target(arg)
	if err != nil {
		return err
	}
	if err := repl.hub.Close(id); err != nil {
		return err
	}
	repl.mu.Lock()
	delete(repl.peers, id)
	if repl.current == id {
		repl.current = ""
	}
	repl.mu.Unlock()
	return nil
}

func (repl *REPL) commandShow(arg string) error {
	id, err := repl.target(arg)
	if err != nil {
		return err
	}
	if s, ok := repl.hub.Get(id); ok {
		fmt.Println(s.Replica().Text())
		return nil
	}
	if repl.cache != nil {
		text, err := repl.cache.LoadSnapshot(id)
		if err == nil {
			fmt.Println(text)
			return nil
		}
	}
	return fmt.Errorf("%s is not open and not cached", id)
}

func (repl *REPL) commandSet(arg string) error {
	s, err := repl.currentSession()
	if err != nil {
		return err
	}
	return s.Replica().SetText(arg)
}

func (repl *REPL) commandAppend(arg string) error {
	s, err := repl.currentSession()
	if err != nil {
		return err
	}
	doc := s.Replica()
	return doc.InsertAt(doc.Len(), arg)
}

func (repl *REPL) currentSession() (*session.Session, error) {
	id, err := repl.target("")
	if err != nil {
		return nil, err
	}
	s, ok := repl.hub.Get(id)
	if !ok {
		return nil, session.ErrUnknownDocument
	}
	return s, nil
}

func (repl *REPL) commandPeers(arg string) error {
	id, err := repl.target(arg)
	if err != nil {
		return err
	}
	repl.mu.Lock()
	defer repl.mu.Unlock()
	set, ok := repl.peers[id]
	if !ok {
		return session.ErrUnknownDocument
	}
	if len(set) == 0 {
		fmt.Println("nobody else here")
		return nil
	}
	for peer := range set {
		fmt.Println(peer)
	}
	return nil
}

func (repl *REPL) commandSearch(arg string) error {
	if arg == "" {
		return ErrMissingArg
	}
	results, err := repl.api.Search(context.Background(), arg)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Printf("%s\t%s\n", res.Document.ID, res.Document.Title)
	}
	return nil
}

func (repl *REPL) commandWhoami() error {
	user, err := repl.api.AuthInfo(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s>\n", user.Name, user.Email)
	return nil
}

func (repl *REPL) commandDocs() error {
	if repl.cache == nil {
		return errors.New("no snapshot cache configured, use -cache")
	}
	ids, err := repl.cache.Documents()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

var (
	baseURL  string
	token    string
	cacheDir string
	debug    bool
)

func main() {
	flag.StringVar(&baseURL, "url", "https://app.getoutline.com", "knowledge base url")
	flag.StringVar(&token, "token", os.Getenv("OUTLINE_TOKEN"), "api token")
	flag.StringVar(&cacheDir, "cache", "", "snapshot cache directory (optional)")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	var cache *store.Store
	if cacheDir != "" {
		var err error
		cache, err = store.Open(cacheDir)
		if err != nil {
			log.Error("cannot open snapshot cache", "dir", cacheDir, "err", err)
			os.Exit(1)
		}
	}

	repl := &REPL{
		hub:   session.NewHub(log),
		api:   client.New(baseURL, token, log),
		cache: cache,
		log:   log,
		peers: make(map[string]map[string]bool),
	}
	if err := repl.Open(); err != nil {
		log.Error("cannot start the terminal", "err", err)
		os.Exit(1)
	}

	for {
		if err := repl.REPL(); err != nil {
			break
		}
	}

	repl.hub.CloseAll()
	if cache != nil {
		_ = cache.Close()
	}
	_ = repl.Close()
}
