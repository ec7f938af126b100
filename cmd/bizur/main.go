// Command bizur is a terminal messaging client. It keeps a control
// connection to the relay, upgrades to direct peer links when possible,
// and exposes a small command language on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/call"
	"github.com/bizur-im/bizur/internal/crypto"
	"github.com/bizur-im/bizur/internal/media"
	"github.com/bizur-im/bizur/internal/models"
	"github.com/bizur-im/bizur/internal/relayclient"
	"github.com/bizur-im/bizur/internal/session"
	"github.com/bizur-im/bizur/internal/transport"
)

const (
	mimeText  = "text/plain"
	chunkSize = 16 * 1024
)

type app struct {
	identity    *crypto.Identity
	client      *relayclient.Client
	manager     *transport.Manager
	coordinator *call.Coordinator
	assembler   *media.Assembler
	downloadDir string
	logger      zerolog.Logger
}

func main() {
	server := flag.String("server", "http://localhost:8080", "relay base URL")
	dir := flag.String("dir", "", "identity directory (default ~/.bizur)")
	apiKey := flag.String("api-key", "", "relay API key")
	token := flag.String("token", "", "legacy shared-secret token")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	if *dir == "" {
		d, err := crypto.DefaultConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolving config dir: %v\n", err)
			os.Exit(1)
		}
		*dir = d
	}

	identity, err := crypto.LoadIdentity(*dir)
	if err != nil {
		if errors.Is(err, crypto.ErrNoIdentity) {
			fmt.Fprintf(os.Stderr, "no identity in %s, run genkey first\n", *dir)
		} else {
			fmt.Fprintf(os.Stderr, "loading identity: %v\n", err)
		}
		os.Exit(1)
	}

	prekeys, err := crypto.NewPreKeySet(identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating prekeys: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpBase := strings.TrimRight(*server, "/")
	wsURL := strings.Replace(httpBase, "http", "ws", 1) + "/ws"

	// Publish the key bundle so peers can open sessions while this
	// client is offline.
	directory := relayclient.NewDirectory(httpBase)
	bundle, err := prekeys.Bundle(identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building key bundle: %v\n", err)
		os.Exit(1)
	}
	if err := directory.PublishBundle(ctx, identity.PeerCode(), bundle); err != nil {
		fmt.Fprintf(os.Stderr, "publishing key bundle: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		identity:    identity,
		assembler:   media.NewAssembler(logger),
		downloadDir: filepath.Join(*dir, "downloads"),
		logger:      logger,
	}

	creds := relayclient.Credentials{APIKey: *apiKey, LegacyToken: *token}
	a.client = relayclient.New(wsURL, identity, creds, logger)
	cipher := session.NewCipher(identity, prekeys, directory, logger)
	a.manager = transport.NewManager(identity, prekeys, cipher, a.client, a.receive, logger)
	a.coordinator = call.NewCoordinator(a.manager, a.callNotify, logger)
	defer a.manager.Close()

	go a.client.Run(ctx)
	go a.eventLoop(ctx)

	fmt.Printf("bizur %s connected to %s\n", identity.PeerCode(), httpBase)
	fmt.Println("commands: /msg PEER text, /send PEER file [caption], /dial PEER, /call PEER, /accept, /reject, /end, /lookup PEER, /quit")

	a.commandLoop(ctx, cancel)
}

// eventLoop feeds relay events into the transport manager.
func (a *app) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.client.Events():
			switch ev.Kind {
			case relayclient.EventRegistered:
				fmt.Println("* registered with relay")
			case relayclient.EventDisconnected:
				fmt.Println("* relay connection lost, retrying")
			case relayclient.EventLookupResult:
				if ev.Found {
					fmt.Printf("* %s is known to the relay\n", ev.Target)
				} else {
					fmt.Printf("* %s not found\n", ev.Target)
				}
			case relayclient.EventError:
				fmt.Printf("* relay error: %s\n", ev.Message)
			case relayclient.EventEnvelope:
				if err := a.manager.HandleEnvelope(ctx, ev.Envelope); err != nil {
					a.logger.Warn().Err(err).Str("type", ev.Envelope.Type).Msg("envelope dropped")
				}
			}
		}
	}
}

// receive handles decrypted application payloads from any path, relay or
// direct.
func (a *app) receive(peer, mimeType string, plaintext []byte) {
	ctx := context.Background()
	switch mimeType {
	case call.MimeType:
		if err := a.coordinator.HandleSignal(ctx, peer, plaintext); err != nil {
			a.logger.Warn().Err(err).Str("peer", peer).Msg("call signal rejected")
		}

	case media.MimeChunk:
		var chunk models.ChunkEnvelope
		if err := json.Unmarshal(plaintext, &chunk); err != nil {
			a.logger.Warn().Err(err).Str("peer", peer).Msg("malformed chunk")
			return
		}
		att, err := a.assembler.Ingest(chunk)
		if err != nil {
			a.logger.Warn().Err(err).Str("peer", peer).Msg("chunk rejected")
			return
		}
		if att != nil {
			a.saveAttachment(peer, att)
		}

	default:
		fmt.Printf("[%s] %s\n", peer, plaintext)
	}
}

func (a *app) saveAttachment(peer string, att *media.Attachment) {
	if err := os.MkdirAll(a.downloadDir, 0700); err != nil {
		a.logger.Error().Err(err).Msg("creating download dir")
		return
	}
	// The sender picks the file name; keep only its base.
	path := filepath.Join(a.downloadDir, filepath.Base(att.FileName))
	if err := os.WriteFile(path, att.Data, 0600); err != nil {
		a.logger.Error().Err(err).Msg("writing attachment")
		return
	}
	fmt.Printf("[%s] sent %s (%d bytes) -> %s\n", peer, att.FileName, len(att.Data), path)
	if att.Caption != "" {
		fmt.Printf("[%s] caption: %s\n", peer, att.Caption)
	}
}

func (a *app) callNotify(state call.State, peer, callID string) {
	switch state {
	case call.StateRinging:
		fmt.Printf("* incoming call from %s (/accept or /reject)\n", peer)
	case call.StateConnected:
		fmt.Printf("* call connected with %s\n", peer)
	case call.StateIdle:
		fmt.Println("* call ended")
	}
}

func (a *app) commandLoop(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := a.runCommand(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				cancel()
				return
			}
			fmt.Printf("! %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

func (a *app) runCommand(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/quit":
		return errQuit

	case "/lookup":
		if len(args) != 1 {
			return errors.New("usage: /lookup PEER")
		}
		return a.client.Lookup(ctx, args[0])

	case "/msg":
		if len(args) < 2 {
			return errors.New("usage: /msg PEER text")
		}
		peer := models.NormalizePeerCode(args[0])
		text := strings.Join(args[1:], " ")
		return a.manager.SendMessage(ctx, peer, mimeText, []byte(text))

	case "/send":
		if len(args) < 2 {
			return errors.New("usage: /send PEER file [caption]")
		}
		caption := ""
		if len(args) > 2 {
			caption = strings.Join(args[2:], " ")
		}
		return a.sendFile(ctx, models.NormalizePeerCode(args[0]), args[1], caption)

	case "/dial":
		if len(args) != 1 {
			return errors.New("usage: /dial PEER")
		}
		return a.manager.Dial(ctx, models.NormalizePeerCode(args[0]))

	case "/call":
		if len(args) != 1 {
			return errors.New("usage: /call PEER")
		}
		_, err := a.coordinator.Invite(ctx, models.NormalizePeerCode(args[0]))
		return err

	case "/accept":
		return a.coordinator.Accept(ctx)

	case "/reject":
		return a.coordinator.Reject(ctx)

	case "/end":
		return a.coordinator.End(ctx)

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// sendFile splits a file into chunk envelopes and ships each one as an
// encrypted message. The receiver reassembles by message id.
func (a *app) sendFile(ctx context.Context, peer, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	env := models.MediaEnvelope{
		MessageID: uuid.NewString(),
		FileName:  filepath.Base(path),
		MimeType:  "application/octet-stream",
		SizeBytes: int64(len(data)),
		Caption:   caption,
		Data:      data,
	}
	chunks, err := media.Split(env, chunkSize)
	if err != nil {
		return err
	}

	for _, chunk := range chunks {
		raw, err := json.Marshal(&chunk)
		if err != nil {
			return err
		}
		if err := a.manager.SendMessage(ctx, peer, media.MimeChunk, raw); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", chunk.ChunkIndex+1, chunk.TotalChunks, err)
		}
	}
	fmt.Printf("sent %s to %s in %d chunks\n", env.FileName, peer, len(chunks))
	return nil
}
