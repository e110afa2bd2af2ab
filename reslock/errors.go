/*
Copyright (C) 2025-2026  MemCP Contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reslock

import "errors"

var (
	// ErrNoLockHeld is returned by GetResource when the calling context holds
	// no lock of the manager's underlying asynclock.AsyncReaderWriterLock.
	ErrNoLockHeld = errors.New("reslock: GetResource called without a held lock")
	// ErrInvalidState is returned by MarkAllUnknown when no write lock is held.
	ErrInvalidState = errors.New("reslock: MarkAllUnknown requires a held write lock")
)
