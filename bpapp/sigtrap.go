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

package bpapp

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/backpacking/backpacking/internal/vipsenc"
	"github.com/backpacking/backpacking/journal"
	"go.uber.org/zap"
)

// TrapSignals create signal handlers for all applicable signals for this system.
func TrapSignals() {
	trapSignalsCrossPlatform()
	trapSignalsPosix()
}

// trapSignalsCrossPlatform captures SIGINT, which triggers a graceful
// shutdown. A second interrupt signal exits the process immediately.
func trapSignalsCrossPlatform() {
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)

		for i := 0; true; i++ {
			<-sig

			if i > 0 {
				journal.Log.Error("SIGINT: force quit")
				_ = journal.Log.Sync()
				os.Exit(2) //nolint:mnd
			}

			journal.Log.Warn("SIGINT: shutting down")
			go Shutdown(1)
		}
	}()
}

// Shutdown closes the running app, releases libvips, flushes the log and
// exits the process. It is a no-op if the process is already exiting.
func Shutdown(exitCode int) {
	if !shuttingDown.CompareAndSwap(false, true) {
		return
	}

	appMu.Lock()
	if app != nil {
		if err := app.Close(); err != nil {
			journal.Log.Error("closing app", zap.Error(err))
		}
	}
	appMu.Unlock()

	vipsenc.Shutdown()

	_ = journal.Log.Sync()

	os.Exit(exitCode)
}

// shuttingDown is set when the program is shutting down.
var shuttingDown atomic.Bool
