package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/authority"
	"github.com/mcdev12/tilesync/go/internal/turns/events"
	"github.com/mcdev12/tilesync/go/internal/turns/liveness"
	"github.com/mcdev12/tilesync/go/internal/turns/session"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

func printBanner(s settings.Settings) {
	pterm.DefaultHeader.WithFullWidth().Println("tilesync")
	pterm.Info.Printfln("peer %s in session %s over %s", pterm.LightCyan(s.PeerID), s.SessionID, s.Transport)
	pterm.Info.Printfln("seats: %v, turn timeout %s", s.Participants, s.TurnTimeout)
	pterm.Println("type help for commands")
}

// attachDisplay prints turn, phase, peer and chat events for the console
// peer. Call it before the session loop starts.
func attachDisplay(me *session.Session) {
	me.Authority().OnTurnChange(func(player string) {
		if player == me.PeerID() {
			pterm.DefaultBox.
				WithTitle(pterm.LightGreen("|YOUR TURN|")).
				WithTitleTopCenter().
				WithLeftPadding(4).
				WithRightPadding(4).
				Printfln("%s to play", me.Authority().TurnRemaining().Round(time.Second))
			return
		}
		pterm.Info.Printfln("%s's turn", pterm.LightCyan(player))
	})

	me.Authority().OnPhaseChange(func(phase authority.Phase, reason events.Reason) {
		switch phase {
		case authority.PhaseSuspended:
			pterm.Warning.Printfln("game suspended (%s)", reason)
		case authority.PhaseActive:
			pterm.Success.Println("game active")
		}
	})

	me.Tracker().OnStatusChange(func(peer string, status liveness.Status) {
		if status == liveness.StatusDisconnected {
			pterm.Warning.Printfln("%s went quiet", peer)
			return
		}
		pterm.Info.Printfln("%s is back", peer)
	})

	me.Transport().OnChat(func(m transport.ChatMessage) {
		if m.Debug {
			pterm.Debug.Println(m.Text)
			return
		}
		if m.Sender == me.PeerID() {
			return
		}
		pterm.Printfln("%s %s", pterm.LightCyan(m.Sender+":"), m.Text)
	})

	me.Transport().OnKind(kindDiscard, func(a events.Action) {
		var d discard
		if g, ok := a.Payload.(events.Gameplay); ok && g.Unmarshal(&d) == nil {
			pterm.Printfln("%s discarded %s", pterm.LightCyan(a.Origin), pterm.LightYellow(d.Tile))
		}
	})
}

func printStatus(st session.Status) {
	current := st.CurrentPlayer
	if current == "" {
		current = "-"
	}
	pterm.DefaultSection.Println("session " + st.SessionID)
	pterm.Printfln("phase %s, current %s, %s left, grace %v",
		st.Phase, pterm.LightCyan(current), st.TurnRemaining.Round(time.Second), st.InGrace)
	pterm.Printfln("clock %s, %d actions logged", st.Clock, st.LogLen)

	data := pterm.TableData{{"Peer", "Seat", "Status", "Last heard"}}
	for _, p := range st.Peers {
		seat := "-"
		for i, id := range st.Participants {
			if id == p.PeerID {
				seat = fmt.Sprint(i)
			}
		}
		status := pterm.LightGreen(string(p.Status))
		if p.Status == liveness.StatusDisconnected {
			status = pterm.LightRed(string(p.Status))
		}
		data = append(data, []string{p.PeerID, seat, status, p.LastHeartbeatAt.Format(time.TimeOnly)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err)
	}

	s := st.Stats
	pterm.Printfln("sent %d, accepted %d, duplicates %d, malformed %d, publish errors %d",
		s.Sent, s.Accepted, s.Duplicates, s.Malformed, s.PublishErrors)
}

func printLog(actions []events.Action) {
	if len(actions) == 0 {
		pterm.Info.Println("no actions yet")
		return
	}
	for _, a := range actions {
		pterm.Printfln("%s %-18s %-8s %s",
			a.SentAt.Format(time.TimeOnly), a.Kind(), a.Origin, a.Clock)
	}
}
