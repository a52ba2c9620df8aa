/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package journal

import "sync"

// keyedMutex serializes callers that share a key while letting different
// keys proceed in parallel. Adapted from
// https://medium.com/@petrlozhkin/kmutex-lock-mutex-by-unique-id-408467659c24
type keyedMutex[K comparable] struct {
	cond *sync.Cond
	held map[K]struct{}
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{
		cond: sync.NewCond(new(sync.Mutex)),
		held: make(map[K]struct{}),
	}
}

func (km *keyedMutex[K]) Lock(key K) {
	km.cond.L.Lock()
	defer km.cond.L.Unlock()
	for {
		if _, busy := km.held[key]; !busy {
			break
		}
		km.cond.Wait()
	}
	km.held[key] = struct{}{}
}

func (km *keyedMutex[K]) Unlock(key K) {
	km.cond.L.Lock()
	delete(km.held, key)
	km.cond.L.Unlock()
	km.cond.Broadcast()
}
