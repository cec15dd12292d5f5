/*
Copyright 2023-2024 SmartDC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/smartdc/vmapi/pkg/clients"
	apierrors "github.com/smartdc/vmapi/pkg/server/errors"
)

// checkOwner verifies the owner exists in the user directory.  Every
// operation that binds a VM to an owner goes through here.
func checkOwner(ctx context.Context, ufds clients.UFDS, ownerUUID string) error {
	if _, err := ufds.GetUser(ctx, ownerUUID); err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return apierrors.ValidationFailed("Invalid parameters",
				apierrors.InvalidField("owner_uuid", fmt.Sprintf("No such owner %q", ownerUUID)))
		}

		return err
	}

	return nil
}
