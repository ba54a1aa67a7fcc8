// Package labels implements the plate/worklist label grammar (spec section
// 6: "Plate and worklist labels follow a fixed grammar:
// TICKET_ISO-N_ROLE[-K] for plates ... single plates omit K"), in the
// teacher's style of small, single-purpose string-building helpers (cf.
// local-volume/provisioner/pkg/common.go's generatePVName-style helpers).
package labels

import (
	"fmt"

	"github.com/labplan/isoplanner/pkg/model"
)

// Plate formats a plate label: TICKET_ISO-N_ROLE[-K]. k is the 1-based
// index of this plate among plates sharing ticket/iso/role; pass
// totalOfRole == 1 to omit the -K suffix ("single plates omit K").
func Plate(ticket string, isoNumber int, role model.Role, k, totalOfRole int) string {
	base := fmt.Sprintf("%s_ISO-%d_%s", ticket, isoNumber, role.String())
	if totalOfRole <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, k)
}

// Worklist formats a worklist-series label for a request ticket: the same
// grammar as Plate, without a role suffix — worklists are numbered purely
// per-ISO.
func Worklist(ticket string, isoNumber int) string {
	return fmt.Sprintf("%s_ISO-%d_worklist", ticket, isoNumber)
}
