package cmd

import (
	"fmt"

	"github.com/sigamobile/siga-helpdesk/catalog"
)

// runQuestions prints the intake form as the bot asks it, mostly so
// operators can sanity-check the catalog against the spreadsheet.
func runQuestions(args []string, io IO) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: siga-helpdesk questions")
	}

	cat := catalog.Default()
	for i := 0; i < cat.Len(); i++ {
		q := cat.At(i)
		marker := ""
		if q.AcceptsMedia {
			marker = " (menerima lampiran)"
		}
		fmt.Fprintf(io.Out, "%d. [%s]%s\n%s\n\n", i+1, q.Key, marker, q.Prompt)
	}
	return nil
}
