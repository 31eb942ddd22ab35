// Package repl is the interactive console of the vhost binary.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"TUN-TCP/pkg/iptcpstack"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const sendTimeout = 5 * time.Second

var ErrUnknownSocket = errors.New("unknown socket id")

// Repl numbers listeners and accepted streams with socket ids and drives
// them from text commands.
type Repl struct {
	ih *iptcpstack.Interface

	mu        sync.Mutex
	out       io.Writer
	nextID    int
	listeners map[int]*iptcpstack.Listener
	streams   map[int]*iptcpstack.Stream

	accepting errgroup.Group
}

func New(ih *iptcpstack.Interface, out io.Writer) *Repl {
	return &Repl{
		ih:        ih,
		out:       out,
		listeners: make(map[int]*iptcpstack.Listener),
		streams:   make(map[int]*iptcpstack.Stream),
	}
}

// Run reads commands from in until EOF or "exit".
func (r *Repl) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "q" {
			break
		}
		if err := r.Execute(line); err != nil {
			r.printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (r *Repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Execute runs one command line.
func (r *Repl) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "ls":
		r.list()
		return nil
	case "a":
		if len(fields) != 2 {
			return errors.New("usage: a <port>")
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return errors.Wrap(err, "bad port")
		}
		return r.listen(uint16(port))
	case "s":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return errors.New("usage: s <socket ID> <bytes>")
		}
		return r.send(parts[1], []byte(parts[2]))
	case "r":
		if len(fields) != 3 {
			return errors.New("usage: r <socket ID> <numbytes>")
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n <= 0 {
			return errors.Errorf("bad byte count %q", fields[2])
		}
		return r.recv(fields[1], n)
	case "sd":
		if len(fields) < 2 || len(fields) > 3 {
			return errors.New("usage: sd <socket ID> [read|write|both]")
		}
		how := "write"
		if len(fields) == 3 {
			how = fields[2]
		}
		return r.shutdown(fields[1], how)
	case "cl":
		if len(fields) != 2 {
			return errors.New("usage: cl <socket ID>")
		}
		return r.close(fields[1])
	case "help":
		r.printf("Commands:\n" +
			"  a <port>                     listen on port and accept connections\n" +
			"  ls                           list sockets\n" +
			"  s <socket ID> <bytes>        send bytes\n" +
			"  r <socket ID> <numbytes>     read up to numbytes\n" +
			"  sd <socket ID> [read|write|both]  shut down a direction\n" +
			"  cl <socket ID>               close a socket\n" +
			"  exit                         quit\n")
		return nil
	}
	return errors.Errorf("unknown command %q (try help)", fields[0])
}

func (r *Repl) listen(port uint16) error {
	l, err := r.ih.Bind(port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()
	r.printf("Created listen socket with ID %d\n", id)

	r.accepting.Go(func() error {
		for {
			s, err := l.Accept()
			if err != nil {
				return nil
			}
			r.mu.Lock()
			sid := r.nextID
			r.nextID++
			r.streams[sid] = s
			r.mu.Unlock()
			r.printf("New connection on socket %d => created new socket %d\n", id, sid)
		}
	})
	return nil
}

func (r *Repl) stream(arg string) (int, *iptcpstack.Stream, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrUnknownSocket, "%q", arg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return 0, nil, errors.Wrapf(ErrUnknownSocket, "%d", id)
	}
	return id, s, nil
}

func (r *Repl) send(arg string, data []byte) error {
	_, s, err := r.stream(arg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	n, err := s.WriteAll(ctx, data)
	r.printf("Wrote %d bytes\n", n)
	return err
}

func (r *Repl) recv(arg string, max int) error {
	_, s, err := r.stream(arg)
	if err != nil {
		return err
	}
	buf := make([]byte, max)
	n, err := s.Read(buf)
	if err == io.EOF {
		r.printf("Read 0 bytes: EOF\n")
		return nil
	}
	if err != nil {
		return err
	}
	r.printf("Read %d bytes: %s\n", n, buf[:n])
	return nil
}

func (r *Repl) shutdown(arg, how string) error {
	_, s, err := r.stream(arg)
	if err != nil {
		return err
	}
	switch how {
	case "read", "r":
		return s.Shutdown(iptcpstack.ShutdownRead)
	case "write", "w":
		return s.Shutdown(iptcpstack.ShutdownWrite)
	case "both", "rw":
		return s.Shutdown(iptcpstack.ShutdownBoth)
	}
	return errors.Errorf("bad direction %q", how)
}

func (r *Repl) close(arg string) error {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return errors.Wrapf(ErrUnknownSocket, "%q", arg)
	}
	r.mu.Lock()
	l, isListener := r.listeners[id]
	s, isStream := r.streams[id]
	delete(r.listeners, id)
	delete(r.streams, id)
	r.mu.Unlock()

	switch {
	case isListener:
		return l.Close()
	case isStream:
		return s.Close()
	}
	return errors.Wrapf(ErrUnknownSocket, "%d", id)
}

// list prints the socket table in the style of the classic vhost "ls".
func (r *Repl) list() {
	snap := r.ih.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[iptcpstack.Quad]int, len(r.streams))
	for id, s := range r.streams {
		ids[s.Quad()] = id
	}
	listenerIDs := make(map[uint16]int, len(r.listeners))
	for id, l := range r.listeners {
		listenerIDs[l.Port()] = id
	}

	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus\tSnd.Una\tSnd.Nxt\tRcv.Nxt\tQueued")
	for _, li := range snap.Listeners {
		fmt.Fprintf(w, "%s\t0.0.0.0\t%d\t0.0.0.0\t0\tLISTEN (%d pending)\t\t\t\t\n", sid(listenerIDs, li.Port), li.Port, li.Pending)
	}
	rows := snap.Sockets
	sort.SliceStable(rows, func(i, j int) bool {
		a, aok := ids[rows[i].Quad]
		b, bok := ids[rows[j].Quad]
		if aok != bok {
			return aok
		}
		return a < b
	})
	for _, si := range rows {
		q := si.Quad
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%d\t%d\t%d\t%d\n",
			sid(ids, q), q.LocalAddr, q.LocalPort, q.RemoteAddr, q.RemotePort, si.State,
			uint32(si.Send.Una), uint32(si.Send.Nxt), uint32(si.Recv.Nxt), si.Queued+si.InFlight)
	}
	w.Flush()
}

func sid[K comparable](ids map[K]int, key K) string {
	if id, ok := ids[key]; ok {
		return strconv.Itoa(id)
	}
	return "-"
}

// Close closes every socket the console opened and waits for the accept
// loops to finish.
func (r *Repl) Close() error {
	r.mu.Lock()
	listeners := r.listeners
	streams := r.streams
	r.listeners = make(map[int]*iptcpstack.Listener)
	r.streams = make(map[int]*iptcpstack.Stream)
	r.mu.Unlock()

	var err error
	for _, l := range listeners {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, iptcpstack.ErrPendingAborted) && err == nil {
			err = cerr
		}
	}
	for _, s := range streams {
		s.Close()
	}
	r.accepting.Wait()
	return err
}
