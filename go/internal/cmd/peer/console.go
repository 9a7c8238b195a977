package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/events"
	"github.com/mcdev12/tilesync/go/internal/turns/session"
)

const kindDiscard events.Kind = "discard"

type discard struct {
	Tile string `json:"tile"`
}

const helpText = `commands:
  start [index]   begin the game with participants[index] (default 0)
  play <tile>     discard a tile and end your turn
  pass            end your turn
  chat <text>     talk to the table
  seat <peer>     add a player at the end of the seating order
  unseat <peer>   remove a player from the seating order
  suspend         pause the game for everyone
  resume          resume a suspended game
  status          show turn and peer state
  log [n]         show the last n actions (default 10)
  quit`

// console reads commands until quit, EOF or ctx is done.
func console(ctx context.Context, me *session.Session, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := dispatch(ctx, me, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func dispatch(ctx context.Context, me *session.Session, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	sendCtx, cancel := context.WithTimeout(ctx, me.Settings().SendTimeout)
	defer cancel()

	var out func()
	switch cmd {
	case "":
		return false
	case "quit", "exit":
		return true
	case "help", "?":
		pterm.Println(helpText)
		return false
	case "start":
		idx := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				pterm.Error.Printfln("bad index %q", arg)
				return false
			}
			idx = n
		}
		out = func() {
			if err := me.StartGame(idx); err != nil {
				pterm.Error.Println(err)
			}
		}
	case "play":
		if arg == "" {
			pterm.Error.Println("play needs a tile")
			return false
		}
		out = func() {
			if !me.Authority().IsTurn(me.PeerID()) {
				pterm.Warning.Println("not your turn")
				return
			}
			if _, err := me.Act(sendCtx, kindDiscard, discard{Tile: arg}); err != nil {
				pterm.Error.Println(err)
			}
			me.EndTurn()
		}
	case "pass":
		out = func() {
			if !me.EndTurn() {
				pterm.Warning.Println("not your turn")
			}
		}
	case "chat":
		out = func() {
			if err := me.Chat(sendCtx, arg); err != nil {
				pterm.Error.Println(err)
			}
		}
	case "seat", "unseat":
		if arg == "" {
			pterm.Error.Printfln("%s needs a peer id", cmd)
			return false
		}
		roster := me.AddParticipant
		if cmd == "unseat" {
			roster = me.RemoveParticipant
		}
		out = func() {
			if err := roster(arg); err != nil {
				pterm.Error.Println(err)
				return
			}
			pterm.Info.Printfln("seats: %v", me.Authority().Participants())
		}
	case "suspend":
		out = func() { me.Authority().Suspend("") }
	case "resume":
		out = func() {
			if err := me.Authority().Resume(); err != nil {
				pterm.Error.Println(err)
			}
		}
	case "status":
		out = func() { printStatus(me.Status()) }
	case "log":
		n := 10
		if v, err := strconv.Atoi(arg); err == nil && v > 0 {
			n = v
		}
		out = func() { printLog(me.Transport().Recent(n)) }
	default:
		pterm.Warning.Printfln("unknown command %q, try help", cmd)
		return false
	}

	if err := me.Do(ctx, out); err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
	}
	return false
}

// attachBot makes a local participant discard and end its turn after delay.
func attachBot(sess *session.Session, delay time.Duration) {
	played := 0
	sess.Authority().OnTurnChange(func(player string) {
		if player != sess.PeerID() {
			return
		}
		sess.Scheduler().AfterFunc(delay, func() {
			if !sess.Authority().IsTurn(sess.PeerID()) {
				return
			}
			played++
			ctx, cancel := context.WithTimeout(context.Background(), sess.Settings().SendTimeout)
			defer cancel()
			tile := fmt.Sprintf("%s-%d", sess.PeerID(), played)
			if _, err := sess.Act(ctx, kindDiscard, discard{Tile: tile}); err != nil {
				log.Warn().Err(err).Str("peer_id", sess.PeerID()).Msg("bot discard failed")
			}
			sess.EndTurn()
		})
	})
}
