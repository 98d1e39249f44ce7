package subscriber

import "caterva2/internal/apierr"

func notSubscribedErr(root string) error {
	return apierr.New(apierr.CodeNotFound, "root not subscribed: "+root)
}
