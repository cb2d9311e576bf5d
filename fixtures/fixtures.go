package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

// Sample nucleotide pairs, one sequence per line.
var (
	//go:embed data/dna_ref.txt
	DNARefs []byte
	//go:embed data/dna_query.txt
	DNAQueries []byte
)

// Sample protein pairs with FASTA headers.
var (
	//go:embed data/protein_ref.fasta
	ProteinRefs []byte
	//go:embed data/protein_query.fasta
	ProteinQueries []byte
)
