// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package memory

import "fmt"

var (
	ErrFailedOption         = fmt.Errorf("devmem: failed to apply option")
	ErrInvalidConfiguration = fmt.Errorf("devmem: invalid configuration")
	ErrSliceTooLarge        = fmt.Errorf("devmem: request exceeds pool ceiling")
	ErrOutOfDeviceMemory    = fmt.Errorf("devmem: out of device memory")
	ErrMisalignedRequest    = fmt.Errorf("devmem: unsatisfiable alignment")
	ErrInvalidHandle        = fmt.Errorf("devmem: invalid handle")
	ErrClosed               = fmt.Errorf("devmem: manager closed")
)
