// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
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

package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOf(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "nil",
			want: Unknown,
		}, {
			name: "plain error",
			err:  io.EOF,
			want: Unknown,
		}, {
			name: "new",
			err:  New(Integrity, "chunk %d", 3),
			want: Integrity,
		}, {
			name: "wrapped by fmt",
			err:  fmt.Errorf("attempt failed: %w", Wrap(Write, io.ErrShortWrite, "slot 1")),
			want: Write,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := KindOf(test.err); got != test.want {
				t.Fatalf("KindOf() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if err := Wrap(Network, nil, "nothing"); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
	err := Wrap(Network, io.ErrUnexpectedEOF, "fetching chunk %d", 7)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is(%v, ErrUnexpectedEOF) = false", err)
	}
	if !Is(err, Network) {
		t.Errorf("Is(%v, Network) = false", err)
	}
	if got, want := err.Error(), "NetworkError: fetching chunk 7: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
