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

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex[int64]()

	var mu sync.Mutex
	inside := map[int64]int{}
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			km.Lock(key)
			defer km.Unlock(key)

			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				t.Errorf("two holders of key %d", key)
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside[key]--
			mu.Unlock()
		}(int64(i % 3))
	}
	wg.Wait()
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex[string]()
	km.Lock("a")
	defer km.Unlock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("locking another key should not block")
	}
}
