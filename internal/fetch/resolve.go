// Copyright Peton Labs, 2026. All rights reserved.

package fetch

// Service base URLs. Declared as vars so tests can substitute httptest
// servers.
var (
	doiBase       = "https://doi.org/"
	unpaywallBase = "https://api.unpaywall.org/v2/"
	crossrefBase  = "https://api.crossref.org/works/"
	idconvBase    = "https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0/"
	pmcBase       = "https://www.ncbi.nlm.nih.gov/pmc/articles/"
	eutilsBase    = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/"
	arxivAPIBase  = "https://export.arxiv.org/api/query"
)
