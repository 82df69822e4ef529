// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	otypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
)

type OrganizationsDirectory struct {
	client organizations.ListAccountsAPIClient
}

func NewOrganizationsDirectory(client organizations.ListAccountsAPIClient) *OrganizationsDirectory {
	return &OrganizationsDirectory{client: client}
}

// ListAccounts returns the ids of every account in the organization that is
// not suspended or being closed.
func (d *OrganizationsDirectory) ListAccounts(ctx context.Context) ([]string, error) {
	var ids []string

	pages := organizations.NewListAccountsPaginator(d.client, &organizations.ListAccountsInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		for _, acct := range page.Accounts {
			id := aws.ToString(acct.Id)
			if id == "" {
				continue
			}
			if acct.Status != "" && acct.Status != otypes.AccountStatusActive {
				continue
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}
