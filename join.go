package horde

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// joinAll runs every task concurrently as a member of a parallel group and
// returns once all of them exited. A failing task does not stop the others;
// the result is the group's grouper.ErrorTrace, or nil.
func joinAll(ctx context.Context, tasks []task) error {
	if len(tasks) == 0 {
		return nil
	}

	members := make(grouper.Members, 0, len(tasks))
	for i, t := range tasks {
		t := t
		// grouper rejects duplicate member names
		members = append(members, grouper.Member{
			Name: fmt.Sprintf("%s#%d", t.name, i),
			Runner: ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
				close(ready)
				return t.run(ctx)
			}),
		})
	}

	process := ifrit.Background(grouper.NewParallel(nil, members))
	return <-process.Wait()
}

// joinFirst is joinAll where the first failure cancels the remaining tasks,
// and only that failure is returned.
func joinFirst(ctx context.Context, tasks []task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wrapped := make([]task, len(tasks))
	for i, t := range tasks {
		t := t
		wrapped[i] = task{name: t.name, run: func(ctx context.Context) error {
			err := t.run(ctx)
			if err != nil {
				cancel()
			}
			return err
		}}
	}

	return firstError(joinAll(ctx, wrapped))
}

// firstError unpacks a grouper.ErrorTrace, preferring a real failure over
// the cancellations it caused.
func firstError(err error) error {
	trace, ok := err.(grouper.ErrorTrace)
	if !ok {
		return err
	}

	var canceled error
	for _, exit := range trace {
		if exit.Err == nil {
			continue
		}
		if errors.Is(exit.Err, context.Canceled) {
			if canceled == nil {
				canceled = exit.Err
			}
			continue
		}
		return exit.Err
	}
	return canceled
}
