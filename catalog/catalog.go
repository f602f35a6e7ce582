package catalog

import "fmt"

// Question is one step of the intake form.
type Question struct {
	Key          string
	Prompt       string
	AcceptsMedia bool
}

// Catalog is the ordered, immutable list of intake questions. Order
// drives the conversation; keys are unique.
type Catalog struct {
	questions []Question
}

func New(questions ...Question) (Catalog, error) {
	if len(questions) == 0 {
		return Catalog{}, fmt.Errorf("catalog needs at least one question")
	}
	seen := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		if q.Key == "" {
			return Catalog{}, fmt.Errorf("question key is required")
		}
		if _, dup := seen[q.Key]; dup {
			return Catalog{}, fmt.Errorf("duplicate question key %q", q.Key)
		}
		seen[q.Key] = struct{}{}
	}

	qs := make([]Question, len(questions))
	copy(qs, questions)
	return Catalog{questions: qs}, nil
}

func MustNew(questions ...Question) Catalog {
	c, err := New(questions...)
	if err != nil {
		panic(err)
	}
	return c
}

// Default is the SIGA Mobile helpdesk intake form.
func Default() Catalog {
	return MustNew(
		Question{Key: "nama", Prompt: "Nama lengkap Anda:"},
		Question{Key: "provinsi", Prompt: "Provinsi Anda:"},
		Question{Key: "kabupaten", Prompt: "Kabupaten/Kota Anda:"},
		Question{Key: "username", Prompt: "Username Anda:"},
		Question{Key: "modul", Prompt: "Modul (Masukan angka): \n 1. Verval KRS \n 2. Elsimil"},
		Question{Key: "uraian", Prompt: "Uraian Permasalahan \n\n *) Jika permasalahan yang sama terjadi pada username lain, mohon input username-username lain yang terdampak pada isian Uraian Permasalahan dan Upload Screenshot Bukti Permasalahan untuk setiap username yang terdampak (bisa upload banyak file gambar)"},
		Question{Key: "screenshot", Prompt: "Screenshot Bukti Permasalahan", AcceptsMedia: true},
	)
}

func (c Catalog) Len() int { return len(c.questions) }

func (c Catalog) At(i int) Question { return c.questions[i] }

// Keys returns the question keys in presentation order.
func (c Catalog) Keys() []string {
	keys := make([]string, len(c.questions))
	for i, q := range c.questions {
		keys[i] = q.Key
	}
	return keys
}
