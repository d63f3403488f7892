// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import "testing"

func TestMemoryStats(t *testing.T) {
	var m MemoryStats
	m.Inc(8192, Anonymous)
	m.Inc(4096, PageCache)
	m.Dec(4096, Anonymous)
	m.Move(4096, Shared, Anonymous)
	s := m.Copy()
	if s[Anonymous] != 0 || s[PageCache] != 4096 || s[Shared] != 4096 {
		t.Errorf("unexpected snapshot %v", s)
	}
	if got := s.Total(); got != 8192 {
		t.Errorf("Total() = %d, want 8192", got)
	}
}
