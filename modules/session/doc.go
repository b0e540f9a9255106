/*
Package session runs one remote desktop connection end to end.

# Overview

An Orchestrator owns the transport connection, the decoder and the viewer
sink of a single session. It runs on a dedicated goroutine locked to its OS
thread for the whole session lifetime, because hardware decoders are bound to
the thread that created them:

	read event → decode → write frame store → push to viewer → drain commands

Other goroutines interact with a session only through its Mailbox (commands)
and through read-only snapshots (Session, Stats).

# Commands

Commands are delivered in send order and consumed exactly once:

	CmdShutdown       tear down and exit
	CmdInput          forward input actions to the transport
	CmdAttachViewer   replace the viewer sink, reply with the snapshot
	CmdDetachViewer   drop the sink, keep decoding headless
	CmdSignOut        Win+R, "logoff", Enter
	CmdForceReboot    Win+R, "shutdown /r /f /t 0", Enter
	CmdReconnect      re-dial with backoff, keeping id, slot and credentials

Commands are observed between reads. A read blocks at most for the
transport's idle timeout (transport.ErrNoData), which bounds command latency.

# Basic Usage

	orch, err := session.New(session.Config{
	    SlotID:   "panel-3",
	    Params:   params,
	    Dialer:   dialer,
	    Decoders: decoders,
	    Store:    store,
	    OnExit:   func(s session.Session, err error) { ... },
	})
	snap, err := orch.Start(ctx) // returns after the handshake

	latest := viewer.NewLatest()
	orch.Send(session.AttachViewer(latest, nil))

# Errors

Transport failures end the session; OnExit receives the error and the frame
store slot is removed. Decode errors are counted and logged, never fatal.
There is no automatic reconnect: only an explicit CmdReconnect re-dials.
*/
package session
