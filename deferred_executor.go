/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
)

// DeferredExecutor asynchronously executes functions while maintaining
// their order. Each conference dispatches its observer-visible events
// through one executor, so two transitions of the same conference can
// never interleave from a listener's point of view.
type DeferredExecutor struct {
	logger    Logger
	queue     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func NewDeferredExecutor(logger Logger, queueSize int) *DeferredExecutor {
	if queueSize < 0 {
		queueSize = 0
	}
	result := &DeferredExecutor{
		logger: logger,
		queue:  make(chan func(), queueSize),
		closed: make(chan struct{}),
	}
	go result.run()
	return result
}

func (e *DeferredExecutor) run() {
	defer close(e.closed)

	for {
		f := <-e.queue
		if f == nil {
			break
		}

		f()
	}
}

func getFunctionName(i any) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func (e *DeferredExecutor) Execute(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("Could not defer function %v: %+v", getFunctionName(f), r)
			e.logger.Printf("Called from %s", string(debug.Stack()))
		}
	}()

	e.queue <- f
}

func (e *DeferredExecutor) Close() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
}

func (e *DeferredExecutor) waitForStop() {
	<-e.closed
}
