package sync

import errs "github.com/matheus3301/chatsync/internal/errors"

// actor owns a piece of state and runs every command against it on a
// single goroutine.
type actor[S any] struct {
	state *S
	cmds  chan func(*S)
	quit  chan struct{}
	done  chan struct{}
}

func newActor[S any](state *S) *actor[S] {
	a := &actor[S]{
		state: state,
		cmds:  make(chan func(*S)),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *actor[S]) loop() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.cmds:
			fn(a.state)
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it to finish. The command channel
// is unbuffered, so once the send succeeds fn is guaranteed to run.
func (a *actor[S]) do(fn func(*S)) error {
	finished := make(chan struct{})
	select {
	case a.cmds <- func(s *S) {
		defer close(finished)
		fn(s)
	}:
	case <-a.quit:
		return errs.ErrClosed
	}
	<-finished
	return nil
}

func (a *actor[S]) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.done
}
