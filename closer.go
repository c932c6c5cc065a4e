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
	"sync"
)

// Closer signals shutdown to any number of waiters through its channel.
type Closer struct {
	C chan struct{}

	once sync.Once
}

func NewCloser() *Closer {
	return &Closer{
		C: make(chan struct{}),
	}
}

func (c *Closer) IsClosed() bool {
	select {
	case <-c.C:
		return true
	default:
		return false
	}
}

func (c *Closer) Close() {
	c.once.Do(func() {
		close(c.C)
	})
}
